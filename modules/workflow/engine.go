package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
	"gen-dispatch-server/modules/quota"
)

// ErrMaintenance - 유지보수 모드라 step 을 시작하지 않음
var ErrMaintenance = errors.New("maintenance mode: step intake refused")

// Store - workflow_executions / jobs 접근
type Store interface {
	GetExecutionByJob(ctx context.Context, jobID string) (*model.WorkflowExecution, error)
	CreateExecution(ctx context.Context, exec *model.WorkflowExecution) error
	UpdateExecution(ctx context.Context, executionID string, fields map[string]interface{}) error
	UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error
}

// QuotaGate - generation step 전후 quota 확인/차감
type QuotaGate interface {
	CheckAvailable(provider, modelName string) bool
	Increment(ctx context.Context, provider, modelName string) quota.Result
}

// Maintenance - 유지보수 플래그
type Maintenance interface {
	Enabled(ctx context.Context) bool
}

// ProgressEvent - 클라이언트로 push 되는 진행 상황
type ProgressEvent struct {
	JobID      string `json:"job_id"`
	Step       int    `json:"step"`
	StepName   string `json:"step_name"`
	TotalSteps int    `json:"total_steps"`
	Progress   int    `json:"progress"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	CanRetry   bool   `json:"can_retry,omitempty"`
}

// Options - Engine 생성 옵션
type Options struct {
	Store       Store
	Classifier  *classifier.Classifier
	Quota       QuotaGate
	Notifier    notify.Notifier
	Maintenance Maintenance
	Runners     map[string]StepRunner
	Progress    func(ProgressEvent)
	MaxRetries  int
	Now         func() time.Time
}

// Engine - checkpoint 기반 다단계 workflow 실행기
type Engine struct {
	store       Store
	cls         *classifier.Classifier
	quota       QuotaGate
	notifier    notify.Notifier
	maintenance Maintenance
	runners     map[string]StepRunner
	progress    func(ProgressEvent)
	maxRetries  int
	now         func() time.Time
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		store:       opts.Store,
		cls:         opts.Classifier,
		quota:       opts.Quota,
		notifier:    opts.Notifier,
		maintenance: opts.Maintenance,
		runners:     opts.Runners,
		progress:    opts.Progress,
		maxRetries:  opts.MaxRetries,
		now:         opts.Now,
	}
	if e.cls == nil {
		e.cls = classifier.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{}
	}
	if e.maxRetries <= 0 {
		e.maxRetries = 5
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.runners == nil {
		e.runners = map[string]StepRunner{StepInput: InputStep()}
	}
	return e
}

// MaxRetries - retry_count 상한
func (e *Engine) MaxRetries() int { return e.maxRetries }

func slotKey(i int) string { return strconv.Itoa(i) }

// getOrCreate - job 의 execution 조회, 없으면 _input checkpoint 와 함께 생성
func (e *Engine) getOrCreate(ctx context.Context, job *model.Job, def Definition, input json.RawMessage) (*model.WorkflowExecution, error) {
	exec, err := e.store.GetExecutionByJob(ctx, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	now := e.now()

	if exec != nil {
		if exec.Checkpoints == nil {
			exec.Checkpoints = make(map[string]model.Checkpoint)
		}
		// 예전 execution 에 원본 input 이 없으면 지금 보관
		if _, ok := exec.Checkpoints[model.InputSlot]; !ok && len(input) > 0 {
			exec.Checkpoints[model.InputSlot] = model.Checkpoint{StepName: model.InputSlot, Status: model.CheckpointStored, Output: input, CompletedAt: &now}
			if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{"checkpoints": exec.Checkpoints}); err != nil {
				return nil, fmt.Errorf("backfill input: %w", err)
			}
		}
		return exec, nil
	}

	exec = &model.WorkflowExecution{
		ID:             uuid.NewString(),
		JobID:          job.JobID,
		WorkflowID:     def.ID,
		UserID:         job.UserID,
		TotalSteps:     len(def.Steps),
		Status:         model.StatusPending,
		Checkpoints:    make(map[string]model.Checkpoint),
		RequiredModels: def.RequiredModels(),
		CreatedAt:      now,
	}
	if len(input) > 0 {
		exec.Checkpoints[model.InputSlot] = model.Checkpoint{StepName: model.InputSlot, Status: model.CheckpointStored, Output: input, CompletedAt: &now}
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	log.Printf("🧩 [Workflow] Created execution %s for job %s (%s, %d steps)", exec.ID, job.JobID, def.ID, exec.TotalSteps)
	return exec, nil
}

// MarkBlocked - admission 이 거부된 workflow job 의 execution 에 blocked_by 기록
func (e *Engine) MarkBlocked(ctx context.Context, job *model.Job, def Definition, input json.RawMessage, blockedBy string) error {
	exec, err := e.getOrCreate(ctx, job, def, input)
	if err != nil {
		return err
	}
	return e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
		"blocked_by_job_id": blockedBy,
		"status":            model.StatusPending,
	})
}

// Execute - workflow 실행. resume 이면 마지막 checkpoint 다음 step 부터.
// 반환 에러는 *RetryableError, *HardError, ErrMaintenance 또는 저장소 에러
func (e *Engine) Execute(ctx context.Context, job *model.Job, def Definition, input json.RawMessage, resume bool) (*model.WorkflowExecution, error) {
	exec, err := e.getOrCreate(ctx, job, def, input)
	if err != nil {
		return nil, err
	}

	total := len(def.Steps)
	if exec.Status == model.StatusCompleted || exec.CurrentStep >= total {
		// 모든 step 이 끝난 execution: 다시 생성하지 않고 job row 만 마무리
		if cp, ok := exec.Checkpoints[slotKey(total-1)]; ok && cp.Status == model.CheckpointCompleted {
			log.Printf("♻️ [Workflow] Execution %s already finished, finalizing job %s", exec.ID, job.JobID)
			return exec, e.complete(ctx, job, exec, def, cp.Output)
		}
	}

	start := 0
	if resume || exec.HasProgress() {
		start = exec.CurrentStep
	}
	if start < 0 || start >= total {
		start = 0
	}
	if start > 0 {
		log.Printf("🔁 [Workflow] Resuming job %s at step %d/%d (retry_count=%d)", job.JobID, start, total, exec.RetryCount)
	}

	now := e.now()
	if err := e.store.UpdateJob(ctx, job.JobID, map[string]interface{}{
		"status":            model.StatusRunning,
		"started_at":        now,
		"blocked_by_job_id": nil,
	}); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}

	var prev json.RawMessage
	for i := start; i < total; i++ {
		step := def.Steps[i]

		if e.maintenance != nil && e.maintenance.Enabled(ctx) {
			log.Printf("🚧 [Workflow] Maintenance mode, job %s paused before step %d", job.JobID, i)
			_ = e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{"status": model.StatusPending})
			_ = e.store.UpdateJob(ctx, job.JobID, map[string]interface{}{"status": model.StatusPending})
			return exec, ErrMaintenance
		}

		// crash 시 같은 step 부터 다시 하도록 먼저 전진
		exec.CurrentStep = i
		exec.Status = model.StatusRunning
		if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
			"current_step":      i,
			"status":            model.StatusRunning,
			"blocked_by_job_id": nil,
		}); err != nil {
			return exec, fmt.Errorf("advance step: %w", err)
		}
		e.emit(ProgressEvent{JobID: job.JobID, Step: i, StepName: step.Name, TotalSteps: total, Progress: i * 100 / total, Status: model.StatusRunning, Message: "Running " + step.Name})

		stepInput, err := e.stepInput(exec, i, input, prev)
		if err != nil {
			return exec, e.fail(ctx, job, exec, i, step, err)
		}

		out, err := e.runStep(ctx, step, stepInput)
		if err != nil {
			return exec, e.fail(ctx, job, exec, i, step, e.classify(err, step))
		}

		done := e.now()
		exec.Checkpoints[slotKey(i)] = model.Checkpoint{StepName: step.Name, Status: model.CheckpointCompleted, Output: out, CompletedAt: &done}
		if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{"checkpoints": exec.Checkpoints}); err != nil {
			return exec, fmt.Errorf("save checkpoint %d: %w", i, err)
		}
		if step.Type == StepGeneration && e.quota != nil {
			if res := e.quota.Increment(ctx, step.Provider, step.ModelName()); !res.Success {
				log.Printf("⚠️ [Workflow] Quota increment failed for %s/%s: %s", step.Provider, step.ModelName(), res.Reason)
			}
		}
		prev = out
	}

	return exec, e.complete(ctx, job, exec, def, prev)
}

// stepInput - step 0 은 caller input 또는 _input, 이후는 직전 checkpoint output
func (e *Engine) stepInput(exec *model.WorkflowExecution, i int, input, prev json.RawMessage) (json.RawMessage, error) {
	if i == 0 {
		if len(input) > 0 {
			return input, nil
		}
		cp, ok := exec.Checkpoints[model.InputSlot]
		if !ok || len(cp.Output) == 0 {
			return nil, &HardError{Message: "original workflow input is no longer available"}
		}
		return cp.Output, nil
	}
	cp, ok := exec.Checkpoints[slotKey(i-1)]
	if ok && cp.Status == model.CheckpointCompleted && len(cp.Output) > 0 {
		return cp.Output, nil
	}
	if len(prev) > 0 {
		return prev, nil
	}
	return nil, &HardError{Message: fmt.Sprintf("checkpoint for step %d is missing", i-1)}
}

func (e *Engine) runStep(ctx context.Context, step Step, input json.RawMessage) (json.RawMessage, error) {
	if step.Type == StepGeneration && e.quota != nil && !e.quota.CheckAvailable(step.Provider, step.ModelName()) {
		return nil, &RetryableError{
			Message:   fmt.Sprintf("quota exceeded for %s/%s", step.Provider, step.ModelName()),
			ErrorType: classifier.TypeQuotaExceeded,
			Model:     step.ModelName(),
			Provider:  step.Provider,
		}
	}
	runner, ok := e.runners[step.Type]
	if !ok {
		return nil, &HardError{Message: fmt.Sprintf("no runner for step type %q", step.Type), Step: step.Name}
	}
	return runner.Run(ctx, step, input)
}

// classify - 타입 없는 에러를 RetryableError / HardError 로
func (e *Engine) classify(err error, step Step) error {
	var re *RetryableError
	if errors.As(err, &re) {
		if re.Model == "" {
			re.Model = step.ModelName()
		}
		if re.Provider == "" {
			re.Provider = step.Provider
		}
		return re
	}
	var he *HardError
	if errors.As(err, &he) {
		if he.Step == "" {
			he.Step = step.Name
		}
		return he
	}

	v := e.cls.Step(err.Error(), step.Provider, step.ModelName())
	if v.Hard {
		return &HardError{Message: v.Message, Step: step.Name}
	}
	return &RetryableError{
		Message:    v.Message,
		ErrorType:  v.ErrorType,
		Model:      step.ModelName(),
		Provider:   step.Provider,
		RetryAfter: v.RetryAfter,
	}
}

func (e *Engine) fail(ctx context.Context, job *model.Job, exec *model.WorkflowExecution, i int, step Step, err error) error {
	now := e.now()
	total := exec.TotalSteps

	var he *HardError
	if errors.As(err, &he) {
		if he.Step == "" {
			he.Step = step.Name
		}
		exec.Checkpoints[slotKey(i)] = model.Checkpoint{StepName: step.Name, Status: model.CheckpointFailedPermanent, Error: he.Message, LastAttempt: &now}
		exec.Status = model.StatusFailed
		e.terminal(ctx, job, exec, he.Message, map[string]interface{}{
			"error":             he.Message,
			"error_type":        "hard",
			"failed_step":       step.Name,
			"failed_step_index": i,
		})
		log.Printf("❌ [Workflow] Job %s failed permanently at step %d (%s): %s", job.JobID, i, step.Name, he.Message)
		e.emit(ProgressEvent{JobID: job.JobID, Step: i, StepName: step.Name, TotalSteps: total, Progress: i * 100 / total, Status: model.StatusFailed, Error: he.Message})
		e.notifier.Notify(ctx, notify.WorkflowFailed, he.Message, map[string]interface{}{"job_id": job.JobID, "workflow": exec.WorkflowID, "step": step.Name})
		return he
	}

	var re *RetryableError
	if !errors.As(err, &re) {
		return err
	}

	retryCount := exec.RetryCount + 1
	re.RetryCount = retryCount
	if retryCount > e.maxRetries {
		msg := "Maximum retry attempts exceeded"
		exec.Checkpoints[slotKey(i)] = model.Checkpoint{StepName: step.Name, Status: model.CheckpointFailedPermanent, Error: re.Message, ErrorType: re.ErrorType, RetryCount: retryCount, LastAttempt: &now}
		exec.Status = model.StatusFailed
		exec.RetryCount = retryCount
		e.terminal(ctx, job, exec, msg, map[string]interface{}{
			"error":             re.Message,
			"error_type":        re.ErrorType,
			"failed_step":       step.Name,
			"failed_step_index": i,
		})
		log.Printf("❌ [Workflow] Job %s exceeded %d retries at step %s", job.JobID, e.maxRetries, step.Name)
		e.emit(ProgressEvent{JobID: job.JobID, Step: i, StepName: step.Name, TotalSteps: total, Progress: i * 100 / total, Status: model.StatusFailed, Error: msg})
		e.notifier.Notify(ctx, notify.RetryLimitExceeded, msg, map[string]interface{}{"job_id": job.JobID, "step": step.Name, "error": re.Message})
		return &HardError{Message: msg, Step: step.Name}
	}

	exec.Checkpoints[slotKey(i)] = model.Checkpoint{
		StepName:    step.Name,
		Status:      model.CheckpointFailedRetryable,
		Error:       re.Message,
		ErrorType:   re.ErrorType,
		RetryCount:  retryCount,
		LastAttempt: &now,
	}
	info := &model.ErrorInfo{
		Error:           re.Message,
		ErrorType:       re.ErrorType,
		FailedStep:      step.Name,
		FailedStepIndex: i,
		Model:           re.Model,
		Provider:        re.Provider,
		RetryAfter:      int(re.RetryAfter / time.Second),
		LastAttempt:     &now,
	}
	exec.Status = model.StatusPendingRetry
	exec.RetryCount = retryCount
	exec.ErrorInfo = info

	if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
		"status":       model.StatusPendingRetry,
		"checkpoints":  exec.Checkpoints,
		"retry_count":  retryCount,
		"error_info":   info,
		"current_step": i,
	}); err != nil {
		log.Printf("❌ [Workflow] Failed to save retry state for %s: %v", exec.ID, err)
	}
	if err := e.store.UpdateJob(ctx, job.JobID, map[string]interface{}{
		"status":        model.StatusPendingRetry,
		"error_message": re.Message,
	}); err != nil {
		log.Printf("❌ [Workflow] Failed to update job %s: %v", job.JobID, err)
	}

	log.Printf("⏳ [Workflow] Job %s step %d (%s) retryable: %s [%s] attempt %d/%d", job.JobID, i, step.Name, re.Message, re.ErrorType, retryCount, e.maxRetries)
	e.emit(ProgressEvent{JobID: job.JobID, Step: i, StepName: step.Name, TotalSteps: total, Progress: i * 100 / total, Status: model.StatusPendingRetry, Error: re.Message, CanRetry: true})
	e.notifier.Notify(ctx, notify.ProviderGenerationFailed, re.Message, map[string]interface{}{
		"job_id":      job.JobID,
		"step":        step.Name,
		"provider":    re.Provider,
		"model":       re.Model,
		"error_type":  re.ErrorType,
		"retry_count": retryCount,
	})
	return re
}

func (e *Engine) terminal(ctx context.Context, job *model.Job, exec *model.WorkflowExecution, message string, info map[string]interface{}) {
	now := e.now()
	if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
		"status":      model.StatusFailed,
		"checkpoints": exec.Checkpoints,
		"retry_count": exec.RetryCount,
		"error_info":  info,
	}); err != nil {
		log.Printf("❌ [Workflow] Failed to save failure for %s: %v", exec.ID, err)
	}
	if err := e.store.UpdateJob(ctx, job.JobID, map[string]interface{}{
		"status":        model.StatusFailed,
		"error_message": message,
		"completed_at":  now,
	}); err != nil {
		log.Printf("❌ [Workflow] Failed to update job %s: %v", job.JobID, err)
	}
}

func (e *Engine) complete(ctx context.Context, job *model.Job, exec *model.WorkflowExecution, def Definition, last json.RawMessage) error {
	total := len(def.Steps)
	if len(last) == 0 {
		last = exec.Checkpoints[slotKey(total-1)].Output
	}

	now := e.now()
	exec.Status = model.StatusCompleted
	exec.CurrentStep = total
	if err := e.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
		"status":       model.StatusCompleted,
		"current_step": total,
		"error_info":   nil,
	}); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	fields := map[string]interface{}{
		"status":        model.StatusCompleted,
		"completed_at":  now,
		"error_message": nil,
		"result_data":   string(last),
	}
	if m, err := ParseMedia(last); err == nil && m.URL() != "" {
		fields["result_url"] = m.URL()
	}
	if err := e.store.UpdateJob(ctx, job.JobID, fields); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	log.Printf("🎉 [Workflow] Job %s completed (%s, %d steps)", job.JobID, def.ID, total)
	e.emit(ProgressEvent{JobID: job.JobID, Step: total, TotalSteps: total, Progress: 100, Status: model.StatusCompleted, Message: "Workflow completed"})
	return nil
}

func (e *Engine) emit(ev ProgressEvent) {
	if e.progress != nil {
		e.progress(ev)
	}
}
