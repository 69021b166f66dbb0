package quota

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gen-dispatch-server/modules/common/changefeed"
	"gen-dispatch-server/modules/common/model"
)

// Store - model_quotas 접근. IncrementQuota 는 원자적 외부 연산이어야 함
type Store interface {
	LoadQuotas(ctx context.Context) ([]model.ModelQuota, error)
	IncrementQuota(ctx context.Context, provider, modelName string) (model.QuotaIncrement, error)
}

// Result - increment 결과
type Result struct {
	Success   bool
	Reason    string
	QuotaUsed int
}

// Status - 클라이언트용 스냅샷
type Status struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Available bool `json:"available"`
	Enabled   bool `json:"enabled"`
}

type entry struct {
	used    int
	limit   int
	enabled bool
}

// Tracker - "provider:model" 별 사용량 캐시
type Tracker struct {
	store Store

	mu    sync.RWMutex
	cache map[string]entry
}

// NewTracker - store 가 nil 이면 increment 는 항상 no-op 성공
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, cache: make(map[string]entry)}
}

// Key - 캐시 키
func Key(provider, modelName string) string {
	return provider + ":" + modelName
}

// Load - 전체 quota 로드. clear 면 기존 캐시를 비우고 교체
func (t *Tracker) Load(ctx context.Context, clear bool) error {
	if t.store == nil {
		return nil
	}
	rows, err := t.store.LoadQuotas(ctx)
	if err != nil {
		return fmt.Errorf("load quotas: %w", err)
	}

	fresh := make(map[string]entry, len(rows))
	for _, q := range rows {
		fresh[Key(q.ProviderName, q.ModelName)] = entry{used: q.QuotaUsed, limit: q.QuotaLimit, enabled: q.Enabled}
	}

	t.mu.Lock()
	if clear {
		t.cache = fresh
	} else {
		for k, v := range fresh {
			t.cache[k] = v
		}
	}
	size := len(t.cache)
	t.mu.Unlock()

	log.Printf("📊 [Quota] Loaded %d quotas (cache size %d)", len(rows), size)
	return nil
}

// CheckAvailable - 추적 안 되는 모델은 true, disabled 는 false, 그 외 used < limit
func (t *Tracker) CheckAvailable(provider, modelName string) bool {
	t.mu.RLock()
	e, ok := t.cache[Key(provider, modelName)]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	if !e.enabled {
		return false
	}
	return e.used < e.limit
}

// Increment - 외부 원자 연산으로 1 증가 후 캐시 반영
func (t *Tracker) Increment(ctx context.Context, provider, modelName string) Result {
	key := Key(provider, modelName)

	t.mu.RLock()
	_, tracked := t.cache[key]
	t.mu.RUnlock()

	if !tracked {
		return Result{Success: true, Reason: "no_quota_tracking"}
	}
	if t.store == nil {
		return Result{Success: true, Reason: "no_client"}
	}

	res, err := t.store.IncrementQuota(ctx, provider, modelName)
	if err != nil {
		log.Printf("❌ [Quota] increment %s failed: %v", key, err)
		return Result{Success: false, Reason: err.Error()}
	}
	if !res.Success {
		log.Printf("⚠️ [Quota] increment %s rejected: %s", key, res.Reason)
		return Result{Success: false, Reason: res.Reason, QuotaUsed: res.QuotaUsed}
	}

	t.mu.Lock()
	if e, ok := t.cache[key]; ok {
		e.used = res.QuotaUsed
		t.cache[key] = e
	}
	t.mu.Unlock()

	log.Printf("📈 [Quota] %s used=%d", key, res.QuotaUsed)
	return Result{Success: true, QuotaUsed: res.QuotaUsed}
}

// Status - 단일 키 스냅샷
func (t *Tracker) Status(provider, modelName string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.cache[Key(provider, modelName)]
	if !ok {
		return Status{}, false
	}
	return toStatus(e), true
}

// Snapshot - 전체 스냅샷
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.cache))
	for k, e := range t.cache {
		out[k] = toStatus(e)
	}
	return out
}

func toStatus(e entry) Status {
	return Status{
		Used:      e.used,
		Limit:     e.limit,
		Available: e.enabled && e.used < e.limit,
		Enabled:   e.enabled,
	}
}

// Run - change feed 를 소비하며 캐시 갱신. 채널이 닫히면 반환
func (t *Tracker) Run(ctx context.Context, events <-chan changefeed.Event) {
	for ev := range events {
		t.Apply(ctx, ev)
	}
	log.Printf("🛑 [Quota] change feed closed")
}

// Apply - 변경 이벤트 하나 반영
func (t *Tracker) Apply(ctx context.Context, ev changefeed.Event) {
	switch ev.Type {
	case changefeed.Insert, changefeed.Update:
		provider, modelName := ev.String("provider_name"), ev.String("model_name")
		if provider == "" || modelName == "" {
			t.reload(ctx, "incomplete "+ev.Type)
			return
		}
		e := entry{
			used:    intField(ev.Record, "quota_used"),
			limit:   intField(ev.Record, "quota_limit"),
			enabled: boolField(ev.Record, "enabled"),
		}
		t.mu.Lock()
		t.cache[Key(provider, modelName)] = e
		t.mu.Unlock()
		log.Printf("🔄 [Quota] %s %s → used=%d limit=%d enabled=%v", ev.Type, Key(provider, modelName), e.used, e.limit, e.enabled)

	case changefeed.Delete:
		provider, modelName := ev.String("provider_name"), ev.String("model_name")
		if provider == "" || modelName == "" {
			t.reload(ctx, "delete without key")
			return
		}
		t.mu.Lock()
		delete(t.cache, Key(provider, modelName))
		t.mu.Unlock()
		log.Printf("🗑️ [Quota] removed %s", Key(provider, modelName))

	case changefeed.Resync:
		t.reload(ctx, "resync")
	}
}

func (t *Tracker) reload(ctx context.Context, reason string) {
	log.Printf("🔄 [Quota] Full reload (%s)", reason)
	if err := t.Load(ctx, true); err != nil {
		log.Printf("❌ [Quota] reload failed: %v", err)
	}
}

func intField(rec map[string]interface{}, key string) int {
	switch v := rec[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolField(rec map[string]interface{}, key string) bool {
	v, _ := rec[key].(bool)
	return v
}
