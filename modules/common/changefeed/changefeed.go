package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Event types
const (
	Insert = "INSERT"
	Update = "UPDATE"
	Delete = "DELETE"
	// Resync - 연결이 끊겼다 다시 붙었을 때. 놓친 이벤트가 있을 수 있으므로 전체 reload 필요
	Resync = "RESYNC"
)

// Event - 테이블 변경 알림 하나
type Event struct {
	Type      string                 `json:"type"`
	Table     string                 `json:"table"`
	Record    map[string]interface{} `json:"record"`
	OldRecord map[string]interface{} `json:"old_record"`
}

// String - record 의 문자열 필드 (record 우선, 없으면 old_record)
func (e Event) String(field string) string {
	for _, rec := range []map[string]interface{}{e.Record, e.OldRecord} {
		if rec == nil {
			continue
		}
		switch v := rec[field].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// Decode - NOTIFY payload 파싱. {"type":..., "table":..., "record":..., "old_record":...}
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode change event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("change event without type")
	}
	return ev, nil
}

// Feed - Postgres LISTEN/NOTIFY 기반 변경 피드
type Feed struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
}

// New - Feed 생성
func New(dsn string) *Feed {
	return &Feed{
		dsn:          dsn,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingInterval: 90 * time.Second,
	}
}

// Watch - channel 하나당 goroutine 하나. ctx 가 끝나면 반환된 채널을 닫는다.
func (f *Feed) Watch(ctx context.Context, channel string) (<-chan Event, error) {
	listener := pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("⚠️ [ChangeFeed] %s listener event %d: %v", channel, ev, err)
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	log.Printf("👂 [ChangeFeed] Listening on %s", channel)

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer listener.Close()

		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("🛑 [ChangeFeed] %s stopped", channel)
				return

			case n := <-listener.Notify:
				// nil 은 재연결 직후
				if n == nil {
					log.Printf("🔄 [ChangeFeed] %s reconnected, requesting resync", channel)
					if !send(ctx, out, Event{Type: Resync}) {
						return
					}
					continue
				}
				ev, err := Decode([]byte(n.Extra))
				if err != nil {
					log.Printf("⚠️ [ChangeFeed] %s: %v", channel, err)
					continue
				}
				if !send(ctx, out, ev) {
					return
				}

			case <-ticker.C:
				go func() {
					if err := listener.Ping(); err != nil {
						log.Printf("⚠️ [ChangeFeed] %s ping failed: %v", channel, err)
					}
				}()
			}
		}
	}()

	return out, nil
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
