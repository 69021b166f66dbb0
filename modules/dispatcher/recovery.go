package dispatcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gen-dispatch-server/modules/common/changefeed"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
)

const (
	noKeyMessage   = "No API key available for provider: "
	noKeyMarker    = "No API key available"
	restartMessage = "Worker restarted - job reset to pending"
	recoveryBatch  = 500
	sweepBatch     = 100
)

// Start - 캐시 로드 (quota, rotation pointer, active job)
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.quota.Load(ctx, true); err != nil {
		return fmt.Errorf("load quotas: %w", err)
	}
	if err := d.pool.Restore(ctx); err != nil {
		log.Printf("⚠️ [Dispatcher] Rotation pointers not restored: %v", err)
	}
	if err := d.coordinator.Restore(ctx); err != nil {
		log.Printf("⚠️ [Dispatcher] Queue state not restored: %v", err)
	}
	return nil
}

// Recover - 재시작 시 running job 을 pending 으로 되돌리고 대기 job 을 다시 제출.
// pending_retry workflow 는 RetryScheduler 첫 사이클이 처리
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	running, err := d.store.ListJobsByStatus(ctx, model.StatusRunning, recoveryBatch)
	if err != nil {
		d.notifier.Notify(ctx, notify.RecoveryFailed, err.Error(), nil)
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		d.updateJob(ctx, job.JobID, map[string]interface{}{
			"status":        model.StatusPending,
			"error_message": restartMessage,
		})
	}
	if len(running) > 0 {
		log.Printf("🔄 [Dispatcher] Reset %d running jobs to pending", len(running))
	}

	// 이전 프로세스의 active job 은 더 이상 실행 중이 아님
	if err := d.coordinator.Reset(ctx); err != nil {
		log.Printf("⚠️ [Dispatcher] Failed to reset queue state: %v", err)
	}

	submitted, err := d.SubmitPending(ctx)
	if err != nil {
		d.notifier.Notify(ctx, notify.RecoveryFailed, err.Error(), nil)
		return 0, err
	}
	log.Printf("✅ [Dispatcher] Recovery submitted %d pending jobs", submitted)
	return submitted, nil
}

// SubmitPending - pending backlog 전체를 생성 순서대로 제출 (유지보수 해제 후에도 사용)
func (d *Dispatcher) SubmitPending(ctx context.Context) (int, error) {
	pending, err := d.store.ListJobsByStatus(ctx, model.StatusPending, recoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	submitted := 0
	for i := range pending {
		if err := d.Submit(ctx, &pending[i]); err != nil {
			log.Printf("⚠️ [Dispatcher] Submit of %s refused: %v", pending[i].JobID, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

// retriable - sweep 대상: 일시적 인프라 에러 또는 키 부족으로 보류된 job
func (d *Dispatcher) retriable(job *model.Job) bool {
	if job.BlockedByJobID != nil {
		return false
	}
	msg := job.ErrorText()
	if msg == "" || msg == restartMessage {
		return false
	}
	return strings.Contains(msg, noKeyMarker) || d.cls.IsTransient(msg)
}

// SweepOnce - 일시적 에러로 pending 에 남은 job 재제출. active job 이 없는데 대기 job 이 남아 있으면 그 중 첫 번째도
func (d *Dispatcher) SweepOnce(ctx context.Context) int {
	if d.maintenance.Enabled(ctx) {
		return 0
	}
	n := 0
	if d.coordinator.Active() == "" {
		if next := d.coordinator.ProcessNext(ctx); next != nil {
			log.Printf("🧹 [Dispatcher] Sweep released queued job %s", next.JobID)
			n++
		}
	}

	pending, err := d.store.ListJobsByStatus(ctx, model.StatusPending, sweepBatch)
	if err != nil {
		log.Printf("❌ [Dispatcher] Sweep failed to list pending jobs: %v", err)
		return n
	}
	for i := range pending {
		if !d.retriable(&pending[i]) {
			continue
		}
		if err := d.Submit(ctx, &pending[i]); err == nil {
			n++
		}
	}
	if n > 0 {
		log.Printf("🧹 [Dispatcher] Sweep resubmitted %d jobs", n)
	}
	return n
}

// RunSweeper - SweepInterval 마다 SweepOnce. 유지보수가 해제된 tick 에는 pending backlog 전체 재제출
func (d *Dispatcher) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	paused := d.maintenance.Enabled(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paused = d.sweepTick(ctx, paused)
		}
	}
}

func (d *Dispatcher) sweepTick(ctx context.Context, wasPaused bool) bool {
	paused := d.maintenance.Enabled(ctx)
	if wasPaused && !paused {
		n, err := d.SubmitPending(ctx)
		if err != nil {
			log.Printf("❌ [Dispatcher] Backlog resubmit after maintenance failed: %v", err)
		} else {
			log.Printf("✅ [Dispatcher] Maintenance lifted, resubmitted %d pending jobs", n)
		}
	}
	d.SweepOnce(ctx)
	return paused
}

// HandleKeyChange - provider_api_keys 에 키가 추가/변경되면 그 provider 의 키 대기 job 재제출
func (d *Dispatcher) HandleKeyChange(ctx context.Context, ev changefeed.Event) int {
	var provider string
	switch ev.Type {
	case changefeed.Insert, changefeed.Update:
		name, err := d.pool.ProviderName(ctx, ev.String("provider_id"))
		if err != nil {
			log.Printf("⚠️ [Dispatcher] Key change for unknown provider %q: %v", ev.String("provider_id"), err)
			return 0
		}
		provider = name
	case changefeed.Resync:
		// 놓친 이벤트가 있을 수 있으니 전 provider 대상
	default:
		return 0
	}

	pending, err := d.store.ListJobsByStatus(ctx, model.StatusPending, recoveryBatch)
	if err != nil {
		log.Printf("❌ [Dispatcher] Failed to list pending jobs: %v", err)
		return 0
	}

	n := 0
	for i := range pending {
		job := &pending[i]
		if !strings.Contains(job.ErrorText(), noKeyMarker) {
			continue
		}
		if p, _ := ResolveProvider(job); provider != "" && p != provider {
			continue
		}
		if err := d.Submit(ctx, job); err == nil {
			n++
		}
	}
	if n > 0 {
		log.Printf("🔑 [Dispatcher] Key change on %q re-dispatched %d jobs", provider, n)
	}
	return n
}

// WatchKeys - provider_api_keys change feed 소비
func (d *Dispatcher) WatchKeys(ctx context.Context, events <-chan changefeed.Event) {
	for ev := range events {
		d.HandleKeyChange(ctx, ev)
	}
}
