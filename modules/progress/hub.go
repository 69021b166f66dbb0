package progress

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gen-dispatch-server/modules/workflow"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// 개발용 - 모든 origin 허용
		return true
	},
}

// 연결된 클라이언트
type client struct {
	conn  *websocket.Conn
	jobID string
	send  chan []byte
}

// job 하나를 구독하는 클라이언트 묶음
type channel struct {
	clients      map[*client]struct{}
	last         []byte
	lastActivity time.Time
}

// Metrics - 서버 메트릭
type Metrics struct {
	ActiveChannels   int       `json:"activeChannels"`
	CurrentClients   int       `json:"currentClients"`
	TotalConnections int       `json:"totalConnections"`
	Published        int       `json:"published"`
	StartTime        time.Time `json:"startTime"`
}

// Hub - job_id 별 진행 상황 브로드캐스트
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel
	metrics  Metrics
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*channel),
		metrics:  Metrics{StartTime: time.Now()},
	}
}

// Publish - workflow 진행 이벤트를 구독자에게 전송. 마지막 이벤트는 새 구독자를 위해 보관
func (h *Hub) Publish(ev workflow.ProgressEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Error marshaling progress event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channelLocked(ev.JobID)
	ch.last = msg
	ch.lastActivity = time.Now()
	h.metrics.Published++

	for c := range ch.clients {
		select {
		case c.send <- msg:
		default:
			// 느린 클라이언트는 끊음
			close(c.send)
			delete(ch.clients, c)
		}
	}
}

func (h *Hub) channelLocked(jobID string) *channel {
	ch, ok := h.channels[jobID]
	if !ok {
		ch = &channel{clients: make(map[*client]struct{}), lastActivity: time.Now()}
		h.channels[jobID] = ch
	}
	return ch
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channelLocked(c.jobID)
	ch.clients[c] = struct{}{}
	ch.lastActivity = time.Now()
	h.metrics.TotalConnections++
	if ch.last != nil {
		c.send <- ch.last
	}
	log.Printf("👤 [Progress] Client joined job %s (clients: %d)", c.jobID, len(ch.clients))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[c.jobID]
	if !ok {
		return
	}
	if _, ok := ch.clients[c]; ok {
		delete(ch.clients, c)
		close(c.send)
	}
	log.Printf("👋 [Progress] Client left job %s (remaining: %d)", c.jobID, len(ch.clients))
}

// Cleanup - 구독자가 없고 idle 보다 오래 조용한 채널 정리
func (h *Hub) Cleanup(idle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cleaned := 0
	for id, ch := range h.channels {
		if len(ch.clients) == 0 && time.Since(ch.lastActivity) > idle {
			delete(h.channels, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("🧹 [Progress] Cleaned up %d idle channels", cleaned)
	}
	return cleaned
}

// Snapshot - 현재 메트릭
func (h *Hub) Snapshot() Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := h.metrics
	m.ActiveChannels = len(h.channels)
	for _, ch := range h.channels {
		m.CurrentClients += len(ch.clients)
	}
	return m
}

// ServeWS - GET /ws?job=<job_id>
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "missing job parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, jobID: jobID, send: make(chan []byte, 64)}
	h.add(c)

	go c.writePump()
	go c.readPump(h)
}

// readPump - 클라이언트 메시지는 무시, 연결 종료만 감지
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
