package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gen-dispatch-server/modules/backend"
	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/kv"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
	"gen-dispatch-server/modules/coordinator"
	"gen-dispatch-server/modules/credential"
	"gen-dispatch-server/modules/quota"
	"gen-dispatch-server/modules/retry"
	"gen-dispatch-server/modules/throttle"
	"gen-dispatch-server/modules/workflow"
)

// ErrMaintenance - 유지보수 모드라 새 job 을 받지 않음
var ErrMaintenance = errors.New("maintenance mode: job intake refused")

// Store - dispatcher 와 하위 컴포넌트가 쓰는 모든 테이블 contract
type Store interface {
	credential.Store
	quota.Store
	coordinator.Store
	workflow.Store
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobsByStatus(ctx context.Context, status string, limit int) ([]model.Job, error)
	ListExecutionsByStatus(ctx context.Context, status string) ([]model.WorkflowExecution, error)
}

// Maintenance - 유지보수 플래그
type Maintenance interface {
	Enabled(ctx context.Context) bool
}

type noMaintenance struct{}

func (noMaintenance) Enabled(context.Context) bool { return false }

// Options - Dispatcher 생성 옵션
type Options struct {
	Store       Store
	Pointers    kv.Store
	Classifier  *classifier.Classifier
	Backend     backend.Generator
	Workflows   *workflow.Registry
	Notifier    notify.Notifier
	Maintenance Maintenance
	Progress    func(workflow.ProgressEvent)

	GenerationTimeout time.Duration
	MaxRotations      int
	MaxRetries        int
	RetryInterval     time.Duration
	SweepInterval     time.Duration
	Now               func() time.Time
}

// Dispatcher - job 하나를 admission → throttle → credential/quota → generation 순으로 처리.
// rotation pointer, quota cache, provider busy map, active job 은 모두 이 인스턴스가 소유
type Dispatcher struct {
	store       Store
	cls         *classifier.Classifier
	backend     backend.Generator
	workflows   *workflow.Registry
	notifier    notify.Notifier
	maintenance Maintenance

	pool        *credential.Pool
	quota       *quota.Tracker
	throttle    *throttle.Throttle
	coordinator *coordinator.Coordinator
	engine      *workflow.Engine
	scheduler   *retry.Scheduler

	timeout       time.Duration
	maxRotations  int
	sweepInterval time.Duration
	now           func() time.Time

	base context.Context
	wg   sync.WaitGroup

	mu sync.Mutex
	// 처리 중인 job. 값이 true 면 끝난 뒤 store 에서 다시 읽어 재제출
	inflight map[string]bool
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:         opts.Store,
		cls:           opts.Classifier,
		backend:       opts.Backend,
		workflows:     opts.Workflows,
		notifier:      opts.Notifier,
		maintenance:   opts.Maintenance,
		timeout:       opts.GenerationTimeout,
		maxRotations:  opts.MaxRotations,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		base:          context.Background(),
		inflight:      make(map[string]bool),
	}
	if d.cls == nil {
		d.cls = classifier.Default()
	}
	if d.notifier == nil {
		d.notifier = notify.LogNotifier{}
	}
	if d.maintenance == nil {
		d.maintenance = noMaintenance{}
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Minute
	}
	if d.maxRotations <= 0 {
		d.maxRotations = 10
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = 2 * time.Minute
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.workflows == nil {
		d.workflows, _ = workflow.NewRegistry()
	}

	d.pool = credential.NewPool(opts.Store, opts.Pointers, d.cls)
	d.quota = quota.NewTracker(opts.Store)
	d.throttle = throttle.New(d.reenter)
	d.coordinator = coordinator.New(opts.Store, d.resubmitQueued)
	d.engine = workflow.NewEngine(workflow.Options{
		Store:       opts.Store,
		Classifier:  d.cls,
		Quota:       d.quota,
		Notifier:    d.notifier,
		Maintenance: d.maintenance,
		Progress:    opts.Progress,
		MaxRetries:  opts.MaxRetries,
		Now:         d.now,
		Runners: map[string]workflow.StepRunner{
			workflow.StepInput:      workflow.InputStep(),
			workflow.StepGeneration: &workflow.GenerationStep{Keys: d.pool, Backend: d.backend, Timeout: d.timeout},
		},
	})
	d.scheduler = retry.NewScheduler(retry.Options{
		Store:       opts.Store,
		Quota:       d.quota,
		Keys:        d.pool,
		Resume:      d.ResumeWorkflow,
		Notifier:    d.notifier,
		Maintenance: d.maintenance,
		Interval:    opts.RetryInterval,
		MaxRetries:  d.engine.MaxRetries(),
		Now:         d.now,
	})
	return d
}

func (d *Dispatcher) Pool() *credential.Pool { return d.pool }
func (d *Dispatcher) Quota() *quota.Tracker { return d.quota }
func (d *Dispatcher) Throttle() *throttle.Throttle { return d.throttle }
func (d *Dispatcher) Coordinator() *coordinator.Coordinator { return d.coordinator }
func (d *Dispatcher) Scheduler() *retry.Scheduler { return d.scheduler }
func (d *Dispatcher) Workflows() *workflow.Registry { return d.workflows }

// Wait - 진행 중인 job goroutine 이 모두 끝날 때까지 대기
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// SubmitID - job_id 로 조회 후 Submit
func (d *Dispatcher) SubmitID(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	return d.Submit(ctx, job)
}

// Submit - job 을 비동기로 처리 시작. 유지보수 중이면 ErrMaintenance
func (d *Dispatcher) Submit(ctx context.Context, job *model.Job) error {
	if d.maintenance.Enabled(ctx) {
		return ErrMaintenance
	}
	switch job.Status {
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		log.Printf("⏭️ [Dispatcher] Job %s already %s, skipping", job.JobID, job.Status)
		return nil
	}

	if !d.claim(job.JobID, false) {
		return nil
	}
	d.launch(job)
	return nil
}

// resubmitQueued - coordinator 가 고른 대기 job. 아직 blocked 기록 중이면 끝난 뒤 다시 제출
func (d *Dispatcher) resubmitQueued(job *model.Job) {
	if d.maintenance.Enabled(d.base) {
		log.Printf("🚧 [Dispatcher] Maintenance mode, queued job %s left pending", job.JobID)
		return
	}
	if d.claim(job.JobID, true) {
		d.launch(job)
	}
}

func (d *Dispatcher) launch(job *model.Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.done(job.JobID)
		d.process(d.base, job)
	}()
}

// claim - 같은 job 이 두 goroutine 에서 동시에 돌지 않도록. rerun 이면 처리 중인 goroutine 이 끝난 뒤 재제출
func (d *Dispatcher) claim(jobID string, rerun bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[jobID]; busy {
		if rerun {
			d.inflight[jobID] = true
			log.Printf("🔁 [Dispatcher] Job %s in flight, resubmitting when it returns", jobID)
		} else {
			log.Printf("⏭️ [Dispatcher] Job %s already in flight", jobID)
		}
		return false
	}
	d.inflight[jobID] = false
	return true
}

// done - claim 해제. job goroutine 안에서 wg.Done 전에 호출됨
func (d *Dispatcher) done(jobID string) {
	d.mu.Lock()
	rerun := d.inflight[jobID]
	delete(d.inflight, jobID)
	d.mu.Unlock()

	if rerun {
		if err := d.SubmitID(d.base, jobID); err != nil {
			log.Printf("⚠️ [Dispatcher] Deferred resubmit of %s refused: %v", jobID, err)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *model.Job) {
	if d.maintenance.Enabled(ctx) {
		log.Printf("🚧 [Dispatcher] Maintenance mode, job %s left pending", job.JobID)
		return
	}
	log.Printf("🎯 [Dispatcher] Processing job %s (type=%s, model=%s)", job.JobID, job.JobType, job.Model)

	if job.JobType == model.JobTypeWorkflow {
		d.runWorkflow(ctx, job, false)
		return
	}

	provider, jobType := ResolveProvider(job)
	job.ProviderKey = model.StringPtr(provider)
	job.JobType = jobType

	adm, err := d.coordinator.OnJobStart(ctx, job, []string{job.Model})
	if err != nil {
		log.Printf("❌ [Dispatcher] Admission failed for %s: %v", job.JobID, err)
		return
	}
	if !adm.Allowed {
		log.Printf("⏸️ [Dispatcher] Job %s waiting: %s", job.JobID, adm.Reason)
		return
	}
	d.runThrottled(ctx, job)
}

// reenter - throttle 대기열에서 넘겨받은 job. admission 은 이미 받은 상태.
// Release 를 부른 goroutine 이 끝나기 전에 wg 에 등록
func (d *Dispatcher) reenter(job *model.Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runThrottled(d.base, job)
	}()
}

func (d *Dispatcher) runThrottled(ctx context.Context, job *model.Job) {
	provider := *job.ProviderKey
	if d.throttle.Acquire(provider, job) == throttle.Queued {
		return
	}
	defer d.coordinator.OnJobComplete(ctx, job)
	defer d.throttle.Release(provider, job.JobID)

	if d.maintenance.Enabled(ctx) {
		log.Printf("🚧 [Dispatcher] Maintenance mode, job %s left pending", job.JobID)
		return
	}
	d.runDirect(ctx, job, provider)
}

// runDirect - quota 확인, 키 발급, generation, 실패 시 분류에 따라 교체/보류/실패
func (d *Dispatcher) runDirect(ctx context.Context, job *model.Job, provider string) {
	if !d.quota.CheckAvailable(provider, job.Model) {
		msg := fmt.Sprintf("QUOTA_EXCEEDED:%s:%s", provider, job.Model)
		d.updateJob(ctx, job.JobID, map[string]interface{}{
			"status":        model.StatusFailed,
			"error_message": msg,
			"completed_at":  d.now(),
		})
		d.notifier.Notify(ctx, notify.QuotaExhausted, msg, map[string]interface{}{"job_id": job.JobID})
		log.Printf("❌ [Dispatcher] Job %s rejected: %s", job.JobID, msg)
		return
	}

	d.updateJob(ctx, job.JobID, map[string]interface{}{
		"status":       model.StatusRunning,
		"started_at":   d.now(),
		"provider_key": provider,
		"job_type":     job.JobType,
	})

	cred, err := d.pool.Acquire(ctx, provider)
	if errors.Is(err, credential.ErrExhausted) {
		d.parkNoKey(ctx, job, provider)
		return
	}
	if err != nil {
		d.park(ctx, job, err.Error())
		return
	}

	req := backend.Request{
		Prompt:      job.Prompt,
		Model:       job.Model,
		ProviderKey: provider,
		JobType:     job.JobType,
		Options:     job.Metadata,
	}
	if job.ImageURL != nil {
		req.InputImageURL = *job.ImageURL
	}
	if dur, ok := job.Metadata["duration"].(float64); ok {
		req.Duration = int(dur)
	}

	for rotations := 0; ; {
		req.APIKey = cred.APIKey
		res := d.generate(ctx, req)
		if res.Success {
			d.completeDirect(ctx, job, provider, res)
			return
		}

		verdict := d.cls.Dispatch(res.Error, provider)
		log.Printf("⚠️ [Dispatcher] Job %s failed on %s (category=%s action=%s reason=%s): %s",
			job.JobID, provider, verdict.Category, verdict.Action, verdict.Reason, res.Error)

		switch verdict.Action {
		case classifier.ActionFail:
			d.updateJob(ctx, job.JobID, map[string]interface{}{
				"status":        model.StatusFailed,
				"error_message": res.Error,
				"completed_at":  d.now(),
			})
			return
		case classifier.ActionRetry:
			if verdict.Reason == "storage" {
				d.notifier.Notify(ctx, notify.StorageError, res.Error, map[string]interface{}{"job_id": job.JobID})
			}
			d.park(ctx, job, res.Error)
			return
		}

		if rotations >= d.maxRotations {
			d.notifier.Notify(ctx, notify.APIKeyRotationFailed, "rotation limit reached", map[string]interface{}{
				"job_id":   job.JobID,
				"provider": provider,
				"error":    res.Error,
			})
			d.park(ctx, job, res.Error)
			return
		}

		next, err := d.pool.RotateOnFailure(ctx, cred.ID, provider, res.Error)
		if errors.Is(err, credential.ErrExhausted) {
			d.parkNoKey(ctx, job, provider)
			return
		}
		if err != nil {
			d.notifier.Notify(ctx, notify.APIKeyRotationFailed, err.Error(), map[string]interface{}{
				"job_id":   job.JobID,
				"provider": provider,
				"key_id":   cred.ID,
			})
			d.park(ctx, job, res.Error)
			return
		}
		cred = next
		rotations++
	}
}

func (d *Dispatcher) generate(ctx context.Context, req backend.Request) backend.Result {
	if d.backend == nil {
		return backend.Failure("no generation backend configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.backend.Generate(callCtx, req)
}

func (d *Dispatcher) completeDirect(ctx context.Context, job *model.Job, provider string, res backend.Result) {
	fields := map[string]interface{}{
		"status":        model.StatusCompleted,
		"completed_at":  d.now(),
		"error_message": nil,
	}
	if res.URL != "" {
		fields["result_url"] = res.URL
	}
	if res.Data != "" {
		fields["result_data"] = res.Data
	}
	d.updateJob(ctx, job.JobID, fields)

	if r := d.quota.Increment(ctx, provider, job.Model); !r.Success {
		log.Printf("⚠️ [Dispatcher] Quota increment failed for %s/%s: %s", provider, job.Model, r.Reason)
	}
	log.Printf("✅ [Dispatcher] Job %s completed on %s", job.JobID, provider)
}

// parkNoKey - 키가 없으면 pending 으로 두고 키 추가 이벤트에서 재시도
func (d *Dispatcher) parkNoKey(ctx context.Context, job *model.Job, provider string) {
	msg := noKeyMessage + provider
	d.park(ctx, job, msg)
	d.notifier.Notify(ctx, notify.NoAPIKeyForProvider, msg, map[string]interface{}{"job_id": job.JobID})
}

func (d *Dispatcher) park(ctx context.Context, job *model.Job, message string) {
	d.updateJob(ctx, job.JobID, map[string]interface{}{
		"status":        model.StatusPending,
		"error_message": message,
	})
	log.Printf("⏳ [Dispatcher] Job %s back to pending: %s", job.JobID, message)
}

func (d *Dispatcher) updateJob(ctx context.Context, jobID string, fields map[string]interface{}) {
	if err := d.store.UpdateJob(ctx, jobID, fields); err != nil {
		log.Printf("❌ [Dispatcher] Failed to update job %s: %v", jobID, err)
	}
}

// ---- workflows ----

func (d *Dispatcher) definitionFor(job *model.Job) (workflow.Definition, bool) {
	if def, ok := d.workflows.Get(job.Model); ok {
		return def, true
	}
	return d.workflows.Get(job.MetaString("workflow_id"))
}

// workflowInput - metadata.input 또는 image_url
func workflowInput(job *model.Job) json.RawMessage {
	if in, ok := job.Metadata["input"]; ok && in != nil {
		if raw, err := json.Marshal(in); err == nil {
			return raw
		}
	}
	if job.ImageURL != nil && *job.ImageURL != "" {
		raw, _ := json.Marshal(map[string]string{"image_url": *job.ImageURL})
		return raw
	}
	return nil
}

func (d *Dispatcher) runWorkflow(ctx context.Context, job *model.Job, resume bool) {
	def, ok := d.definitionFor(job)
	if !ok || !def.Enabled {
		msg := fmt.Sprintf("Unknown or disabled workflow: %s", job.Model)
		d.updateJob(ctx, job.JobID, map[string]interface{}{
			"status":        model.StatusFailed,
			"error_message": msg,
			"completed_at":  d.now(),
		})
		log.Printf("❌ [Dispatcher] Job %s: %s", job.JobID, msg)
		return
	}

	models := job.RequiredModels
	if len(models) == 0 {
		models = def.RequiredModels()
	}
	input := workflowInput(job)

	adm, err := d.coordinator.OnJobStart(ctx, job, models)
	if err != nil {
		log.Printf("❌ [Dispatcher] Admission failed for %s: %v", job.JobID, err)
		return
	}
	if !adm.Allowed {
		if job.Status == model.StatusPendingRetry {
			d.updateJob(ctx, job.JobID, map[string]interface{}{"status": model.StatusPending})
		}
		if err := d.engine.MarkBlocked(ctx, job, def, input, adm.BlockedBy); err != nil {
			log.Printf("⚠️ [Dispatcher] Failed to record blocked workflow %s: %v", job.JobID, err)
		}
		return
	}
	defer d.coordinator.OnJobComplete(ctx, job)

	_, err = d.engine.Execute(ctx, job, def, input, resume)
	switch {
	case err == nil:
	case errors.Is(err, workflow.ErrMaintenance):
		log.Printf("🚧 [Dispatcher] Workflow %s paused for maintenance", job.JobID)
	default:
		log.Printf("⚠️ [Dispatcher] Workflow %s stopped: %v", job.JobID, err)
	}
}

// ResumeWorkflow - RetryScheduler 가 고른 execution 을 재개
func (d *Dispatcher) ResumeWorkflow(ctx context.Context, exec model.WorkflowExecution) error {
	job, err := d.store.GetJob(ctx, exec.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", exec.JobID, err)
	}
	if job.Status == model.StatusCancelled {
		return nil
	}
	if job.Model == "" {
		job.Model = exec.WorkflowID
	}
	if len(job.RequiredModels) == 0 {
		job.RequiredModels = exec.RequiredModels
	}
	job.JobType = model.JobTypeWorkflow

	if !d.claim(job.JobID, false) {
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.done(job.JobID)
		d.runWorkflow(d.base, job, true)
	}()
	return nil
}
