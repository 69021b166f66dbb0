package retry

import (
	"context"
	"log"
	"time"

	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
	"gen-dispatch-server/modules/credential"
)

const maxRetryMessage = "Maximum retry attempts exceeded"

// error_type 별 최소 대기 시간
var backoff = map[string]time.Duration{
	classifier.TypeQuotaExceeded:   300 * time.Second,
	classifier.TypeRateLimit:       60 * time.Second,
	classifier.TypeTimeout:         30 * time.Second,
	classifier.TypeInvalidKey:      120 * time.Second,
	classifier.TypeNoAPIKey:        120 * time.Second,
	"generic":                      180 * time.Second,
	classifier.TypeGenericAPIError: 180 * time.Second,
	classifier.TypeAPIError:        180 * time.Second,
}

const defaultBackoff = 180 * time.Second

// Backoff - error_type 의 대기 시간. 알 수 없는 타입은 false
func Backoff(errorType string) (time.Duration, bool) {
	d, ok := backoff[errorType]
	if !ok {
		return defaultBackoff, false
	}
	return d, true
}

// Store - pending_retry execution 조회/갱신
type Store interface {
	ListExecutionsByStatus(ctx context.Context, status string) ([]model.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, executionID string, fields map[string]interface{}) error
	UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error
}

type QuotaChecker interface {
	CheckAvailable(provider, modelName string) bool
}

type KeyChecker interface {
	Acquire(ctx context.Context, providerKey string) (*credential.Credential, error)
}

type Maintenance interface {
	Enabled(ctx context.Context) bool
}

// Options - Scheduler 생성 옵션
type Options struct {
	Store       Store
	Quota       QuotaChecker
	Keys        KeyChecker
	Resume      func(ctx context.Context, exec model.WorkflowExecution) error
	Notifier    notify.Notifier
	Maintenance Maintenance
	Interval    time.Duration
	MaxRetries  int
	Now         func() time.Time
}

// Scheduler - pending_retry workflow 를 주기적으로 재개
type Scheduler struct {
	opts Options
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	return &Scheduler{opts: opts}
}

// Summary - 한 사이클 결과
type Summary struct {
	Checked int `json:"checked"`
	Resumed int `json:"resumed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Run - ctx 가 끝날 때까지 Interval 마다 RunOnce. 시작 직후 한 번 실행
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("⏰ [Retry] Scheduler started (interval=%s, max_retries=%d)", s.opts.Interval, s.opts.MaxRetries)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			log.Println("⏰ [Retry] Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce - pending_retry execution 한 바퀴 처리
func (s *Scheduler) RunOnce(ctx context.Context) Summary {
	var sum Summary
	if s.opts.Maintenance != nil && s.opts.Maintenance.Enabled(ctx) {
		log.Println("🚧 [Retry] Maintenance mode, skipping retry cycle")
		return sum
	}

	execs, err := s.opts.Store.ListExecutionsByStatus(ctx, model.StatusPendingRetry)
	if err != nil {
		log.Printf("❌ [Retry] Failed to list pending_retry executions: %v", err)
		return sum
	}

	for _, exec := range execs {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++

		if exec.RetryCount >= s.opts.MaxRetries {
			s.exhaust(ctx, exec)
			sum.Failed++
			continue
		}
		if !s.eligible(ctx, exec) {
			sum.Skipped++
			continue
		}

		log.Printf("🔁 [Retry] Resuming execution %s (job %s, attempt %d/%d)", exec.ID, exec.JobID, exec.RetryCount+1, s.opts.MaxRetries)
		if err := s.opts.Resume(ctx, exec); err != nil {
			log.Printf("⚠️ [Retry] Resume of %s ended with: %v", exec.ID, err)
		}
		sum.Resumed++
	}

	if sum.Checked > 0 {
		log.Printf("⏰ [Retry] Cycle done: checked=%d resumed=%d failed=%d skipped=%d", sum.Checked, sum.Resumed, sum.Failed, sum.Skipped)
	}
	return sum
}

func (s *Scheduler) exhaust(ctx context.Context, exec model.WorkflowExecution) {
	now := s.opts.Now()
	if err := s.opts.Store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
		"status": model.StatusFailed,
		"error_info": map[string]interface{}{
			"error":      maxRetryMessage,
			"error_type": "retry_limit",
		},
	}); err != nil {
		log.Printf("❌ [Retry] Failed to mark execution %s failed: %v", exec.ID, err)
	}
	if err := s.opts.Store.UpdateJob(ctx, exec.JobID, map[string]interface{}{
		"status":        model.StatusFailed,
		"error_message": maxRetryMessage,
		"completed_at":  now,
	}); err != nil {
		log.Printf("❌ [Retry] Failed to mark job %s failed: %v", exec.JobID, err)
	}
	log.Printf("❌ [Retry] Execution %s reached %d retries, marked failed", exec.ID, exec.RetryCount)
	s.opts.Notifier.Notify(ctx, notify.RetryLimitExceeded, maxRetryMessage, map[string]interface{}{
		"execution_id": exec.ID,
		"job_id":       exec.JobID,
		"workflow":     exec.WorkflowID,
		"retry_count":  exec.RetryCount,
	})
}

// eligible - backoff 경과 + error_type 별 추가 조건
func (s *Scheduler) eligible(ctx context.Context, exec model.WorkflowExecution) bool {
	info := exec.ErrorInfo
	if info == nil {
		info = &model.ErrorInfo{ErrorType: classifier.TypeGenericAPIError}
	}

	wait, known := Backoff(info.ErrorType)
	if !known {
		log.Printf("⚠️ [Retry] Execution %s has unknown error_type %q, not retrying", exec.ID, info.ErrorType)
		s.opts.Notifier.Notify(ctx, notify.RetryAnomaly, "unknown error_type on pending_retry execution", map[string]interface{}{
			"execution_id": exec.ID,
			"error_type":   info.ErrorType,
		})
		return false
	}
	if info.ErrorType == classifier.TypeRateLimit && info.RetryAfter > 0 {
		wait = time.Duration(info.RetryAfter) * time.Second
	}

	last := s.lastAttempt(exec)
	if !last.IsZero() && s.opts.Now().Sub(last) < wait {
		return false
	}

	switch info.ErrorType {
	case classifier.TypeQuotaExceeded:
		if s.opts.Quota != nil && !s.opts.Quota.CheckAvailable(info.Provider, info.Model) {
			return false
		}
	case classifier.TypeInvalidKey, classifier.TypeNoAPIKey:
		if s.opts.Keys != nil {
			if _, err := s.opts.Keys.Acquire(ctx, info.Provider); err != nil {
				s.opts.Notifier.Notify(ctx, notify.NoAPIKeyForProvider, "retry waiting for API key", map[string]interface{}{
					"provider":     info.Provider,
					"execution_id": exec.ID,
				})
				return false
			}
		}
	}
	return true
}

func (s *Scheduler) lastAttempt(exec model.WorkflowExecution) time.Time {
	if exec.ErrorInfo != nil && exec.ErrorInfo.LastAttempt != nil {
		return *exec.ErrorInfo.LastAttempt
	}
	var last time.Time
	for _, cp := range exec.Checkpoints {
		if cp.LastAttempt != nil && cp.LastAttempt.After(last) {
			last = *cp.LastAttempt
		}
	}
	return last
}
