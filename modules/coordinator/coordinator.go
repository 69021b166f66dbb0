package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gen-dispatch-server/modules/common/model"
)

// Store - job_queue_state / job_queue_log / jobs 의 queue 관련 컬럼
type Store interface {
	GetQueueState(ctx context.Context) (*model.QueueState, error)
	SetActiveJob(ctx context.Context, jobID, jobType string, models []string) error
	ClearActiveJob(ctx context.Context) error
	MarkJobQueued(ctx context.Context, jobID, blockedBy, reason string, models []string) error
	ClearJobQueueInfo(ctx context.Context, jobID string) error
	AppendQueueLog(ctx context.Context, entry model.QueueLogEntry) error
	ListBlockedJobs(ctx context.Context, limit int) ([]model.Job, error)
}

// Admission - onJobStart 결과
type Admission struct {
	Allowed   bool
	BlockedBy string
	Reason    string
	Models    []string
}

type active struct {
	jobID   string
	jobType string
	models  []string
}

// Coordinator - 클러스터 전체에서 한 번에 하나의 job 만 실행
type Coordinator struct {
	store    Store
	resubmit func(job *model.Job)

	mu     sync.Mutex
	active *active
}

// ScanLimit - onJobComplete 가 살펴보는 대기 job 수
const ScanLimit = 50

// New - resubmit 은 대기 job 을 Dispatcher 진입점으로 다시 넣는 함수.
// processNext 를 부른 goroutine 에서 동기 호출되므로 바로 반환해야 함
func New(store Store, resubmit func(job *model.Job)) *Coordinator {
	return &Coordinator{store: store, resubmit: resubmit}
}

// Restore - 저장된 active job 을 메모리로 로드
func (c *Coordinator) Restore(ctx context.Context) error {
	state, err := c.store.GetQueueState(ctx)
	if err != nil {
		return fmt.Errorf("load queue state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == nil || state.ActiveJobID == nil {
		c.active = nil
		return nil
	}
	a := &active{jobID: *state.ActiveJobID, models: state.ActiveModels}
	if state.ActiveJobType != nil {
		a.jobType = *state.ActiveJobType
	}
	c.active = a
	log.Printf("📋 [Coordinator] Restored active job %s (%s)", a.jobID, a.jobType)
	return nil
}

// Reset - 재시작 직후 실행 중인 job 이 없으므로 active 상태 초기화
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	return c.store.ClearActiveJob(ctx)
}

// Active - 현재 active job id
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.jobID
}

// OnJobStart - 실행 가능하면 active 로 등록, 아니면 blocked 로 기록
func (c *Coordinator) OnJobStart(ctx context.Context, job *model.Job, models []string) (Admission, error) {
	c.mu.Lock()
	var blocker *active
	switch {
	case c.active == nil:
		c.active = &active{jobID: job.JobID, jobType: job.JobType, models: models}
	case c.active.jobID == job.JobID:
		// 이미 admission 받은 job 의 재진입
	default:
		cp := *c.active
		blocker = &cp
	}
	c.mu.Unlock()

	if blocker == nil {
		if err := c.store.SetActiveJob(ctx, job.JobID, job.JobType, models); err != nil {
			log.Printf("⚠️ [Coordinator] Failed to persist active job %s: %v", job.JobID, err)
		}
		if err := c.store.ClearJobQueueInfo(ctx, job.JobID); err != nil {
			log.Printf("⚠️ [Coordinator] Failed to clear queue info for %s: %v", job.JobID, err)
		}
		c.appendLog(ctx, model.QueueLogEntry{
			JobID:     job.JobID,
			JobType:   job.JobType,
			EventType: model.QueueEventStarted,
			Models:    models,
		})
		log.Printf("🚦 [Coordinator] Job %s started (%s, models=%v)", job.JobID, job.JobType, models)
		return Admission{Allowed: true, Models: models}, nil
	}

	reason := fmt.Sprintf("Job queue busy: %s job %s is currently running", blocker.jobType, blocker.jobID)
	if err := c.store.MarkJobQueued(ctx, job.JobID, blocker.jobID, reason, models); err != nil {
		return Admission{}, fmt.Errorf("mark job %s queued: %w", job.JobID, err)
	}
	c.appendLog(ctx, model.QueueLogEntry{
		JobID:          job.JobID,
		JobType:        job.JobType,
		EventType:      model.QueueEventBlocked,
		Models:         models,
		BlockedByJobID: model.StringPtr(blocker.jobID),
		ConflictReason: model.StringPtr(reason),
		Metadata: map[string]interface{}{
			"active_models":      blocker.models,
			"conflicting_models": ModelConflicts(models, blocker.models),
		},
	})
	log.Printf("⏸️ [Coordinator] Job %s blocked by %s", job.JobID, blocker.jobID)

	// blocked 기록 전에 blocker 가 끝났으면 그 processNext 는 이 job 을 보지 못했음
	c.mu.Lock()
	released := c.active == nil || c.active.jobID != blocker.jobID
	c.mu.Unlock()
	if released {
		log.Printf("🔁 [Coordinator] %s finished while %s was being queued, rescanning", blocker.jobID, job.JobID)
		c.processNext(ctx)
	}
	return Admission{Allowed: false, BlockedBy: blocker.jobID, Reason: reason, Models: models}, nil
}

// OnJobComplete - active 해제 후 가장 오래 기다린 job 을 다시 제출
func (c *Coordinator) OnJobComplete(ctx context.Context, job *model.Job) *model.Job {
	c.mu.Lock()
	if c.active != nil && c.active.jobID != job.JobID {
		log.Printf("⚠️ [Coordinator] Job %s completed but active is %s", job.JobID, c.active.jobID)
		c.mu.Unlock()
		return nil
	}
	c.active = nil
	c.mu.Unlock()

	if err := c.store.ClearActiveJob(ctx); err != nil {
		log.Printf("⚠️ [Coordinator] Failed to clear active job: %v", err)
	}
	c.appendLog(ctx, model.QueueLogEntry{
		JobID:     job.JobID,
		JobType:   job.JobType,
		EventType: model.QueueEventCompleted,
	})
	log.Printf("✅ [Coordinator] Job %s completed", job.JobID)

	return c.processNext(ctx)
}

// ProcessNext - active job 이 없을 때 대기 중인 job 을 다시 제출 (sweeper 용)
func (c *Coordinator) ProcessNext(ctx context.Context) *model.Job {
	return c.processNext(ctx)
}

// processNext - queued_at 오름차순으로 첫 번째 시작 가능한 job 을 resubmit
func (c *Coordinator) processNext(ctx context.Context) *model.Job {
	blocked, err := c.store.ListBlockedJobs(ctx, ScanLimit)
	if err != nil {
		log.Printf("❌ [Coordinator] Failed to list queued jobs: %v", err)
		return nil
	}

	for i := range blocked {
		next := &blocked[i]
		if len(next.RequiredModels) == 0 && next.JobType == model.JobTypeWorkflow {
			log.Printf("⚠️ [Coordinator] Skipping workflow job %s without required_models", next.JobID)
			continue
		}
		if !c.canStart() {
			return nil
		}
		log.Printf("⏭️ [Coordinator] Resubmitting queued job %s (queued_at=%v)", next.JobID, formatTime(next.QueuedAt))
		if c.resubmit != nil {
			c.resubmit(next)
		}
		return next
	}
	return nil
}

// canStart - 단일 실행 정책: active 가 없어야 시작 가능
func (c *Coordinator) canStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == nil
}

func (c *Coordinator) appendLog(ctx context.Context, entry model.QueueLogEntry) {
	entry.CreatedAt = time.Now().UTC()
	if err := c.store.AppendQueueLog(ctx, entry); err != nil {
		log.Printf("⚠️ [Coordinator] Failed to append queue log (%s %s): %v", entry.EventType, entry.JobID, err)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
