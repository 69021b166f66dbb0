package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorType - 알림 종류 (카테고리별 ntfy topic 으로 전송)
type ErrorType struct {
	Name     string
	Category string // critical | api_keys | providers | storage | worker
	Tags     string
	Priority string
}

var (
	NoAPIKeyForProvider      = ErrorType{"NO_API_KEY_FOR_PROVIDER", "api_keys", "key,warning", "high"}
	APIKeyRotationFailed     = ErrorType{"API_KEY_ROTATION_FAILED", "api_keys", "key,x", "high"}
	ProviderGenerationFailed = ErrorType{"PROVIDER_GENERATION_FAILED", "providers", "robot,x", "default"}
	QuotaExhausted           = ErrorType{"QUOTA_EXHAUSTED", "providers", "chart_with_downwards_trend", "default"}
	StorageError             = ErrorType{"STORAGE_ERROR", "storage", "floppy_disk,x", "default"}
	WorkflowFailed           = ErrorType{"WORKFLOW_FAILED", "worker", "gear,x", "high"}
	RetryLimitExceeded       = ErrorType{"RETRY_LIMIT_EXCEEDED", "worker", "repeat,x", "high"}
	RetryAnomaly             = ErrorType{"RETRY_ANOMALY", "worker", "gear,question", "default"}
	ChangeFeedDown           = ErrorType{"CHANGE_FEED_DOWN", "critical", "rotating_light", "urgent"}
	RecoveryFailed           = ErrorType{"RECOVERY_FAILED", "critical", "rotating_light", "urgent"}
)

// Notifier - 운영 알림 전송
type Notifier interface {
	Notify(ctx context.Context, t ErrorType, message string, details map[string]interface{})
}

// LogNotifier - 로그로만 남김
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, t ErrorType, message string, details map[string]interface{}) {
	log.Printf("🔔 [Notify] %s (%s): %s %s", t.Name, t.Category, message, formatDetails(details))
}

// Ntfy - ntfy 서버로 전송. 같은 ErrorType 은 window 당 한 번만.
type Ntfy struct {
	server string
	prefix string
	window time.Duration
	client *http.Client
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NtfyOptions - Ntfy 생성 옵션
type NtfyOptions struct {
	Server      string
	TopicPrefix string
	Window      time.Duration // 기본 15분
	Client      *http.Client
	Now         func() time.Time
}

// NewNtfy - Ntfy 생성
func NewNtfy(opts NtfyOptions) *Ntfy {
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ntfy{
		server: strings.TrimRight(opts.Server, "/"),
		prefix: opts.TopicPrefix,
		window: opts.Window,
		client: opts.Client,
		now:    opts.Now,
		last:   make(map[string]time.Time),
	}
}

// allow - rate limit 체크 후 전송 시각 기록
func (n *Ntfy) allow(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.last[name]; ok && now.Sub(last) < n.window {
		return false
	}
	n.last[name] = now
	return true
}

func (n *Ntfy) Notify(ctx context.Context, t ErrorType, message string, details map[string]interface{}) {
	LogNotifier{}.Notify(ctx, t, message, details)

	if !n.allow(t.Name) {
		log.Printf("⏳ [Notify] %s rate limited", t.Name)
		return
	}

	body := message
	if d := formatDetails(details); d != "" {
		body += "\n\n" + d
	}

	url := fmt.Sprintf("%s/%s-%s", n.server, n.prefix, t.Category)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		log.Printf("❌ [Notify] Failed to build request: %v", err)
		return
	}
	req.Header.Set("Title", t.Name)
	req.Header.Set("Tags", t.Tags)
	if t.Priority != "" {
		req.Header.Set("Priority", t.Priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("❌ [Notify] Failed to send %s: %v", t.Name, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("❌ [Notify] ntfy returned %d for %s", resp.StatusCode, t.Name)
	}
}

func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
