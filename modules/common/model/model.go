package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound - 조회 대상 row가 없을 때 store 구현체가 돌려주는 에러
var ErrNotFound = errors.New("record not found")

// Job - jobs 테이블 구조
type Job struct {
	JobID          string                 `json:"job_id"`
	UserID         *string                `json:"user_id"`
	JobType        string                 `json:"job_type"` // image | video | workflow
	Model          string                 `json:"model"`
	ProviderKey    *string                `json:"provider_key"`
	Prompt         string                 `json:"prompt"`
	ImageURL       *string                `json:"image_url"`
	Status         string                 `json:"status"`
	Metadata       map[string]interface{} `json:"metadata"`
	RequiredModels []string               `json:"required_models"`
	BlockedByJobID *string                `json:"blocked_by_job_id"`
	ConflictReason *string                `json:"conflict_reason"`
	QueuedAt       *time.Time             `json:"queued_at"`
	ErrorMessage   *string                `json:"error_message"`
	ResultURL      *string                `json:"result_url"`
	ResultData     *string                `json:"result_data"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at"`
}

// ErrorText - error_message 값 (없으면 빈 문자열)
func (j *Job) ErrorText() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// MetaString - metadata 의 문자열 값
func (j *Job) MetaString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if v, ok := j.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// ApiKeyRecord - provider_api_keys 테이블 구조
type ApiKeyRecord struct {
	ID         int64  `json:"id"`
	ProviderID string `json:"provider_id"`
	KeyNumber  int    `json:"key_number"`
	APIKey     string `json:"api_key"`
}

// DeletedApiKey - deleted_api_keys 테이블 구조 (아카이브)
type DeletedApiKey struct {
	ProviderID    string `json:"provider_id"`
	KeyNumber     int    `json:"key_number"`
	APIKey        string `json:"api_key"`
	ErrorMessage  string `json:"error_message"`
	OriginalKeyID int64  `json:"original_key_id"`
}

// Provider - providers 테이블 구조
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ModelQuota - model_quotas 테이블 구조
type ModelQuota struct {
	ID           int64  `json:"id"`
	ProviderName string `json:"provider_name"`
	ModelName    string `json:"model_name"`
	QuotaUsed    int    `json:"quota_used"`
	QuotaLimit   int    `json:"quota_limit"`
	Enabled      bool   `json:"enabled"`
}

// QuotaIncrement - increment_quota RPC 결과
type QuotaIncrement struct {
	Success   bool   `json:"success"`
	QuotaUsed int    `json:"quota_used"`
	Reason    string `json:"reason,omitempty"`
}

// InputSlot - 최초 실행 시 원본 input 을 보관하는 checkpoint 키
const InputSlot = "_input"

// Checkpoint - 한 step 의 저장된 결과 또는 에러
type Checkpoint struct {
	StepName    string          `json:"step_name"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastAttempt *time.Time      `json:"last_attempt,omitempty"`
}

// ErrorInfo - workflow_executions.error_info
type ErrorInfo struct {
	Error           string     `json:"error"`
	ErrorType       string     `json:"error_type"`
	FailedStep      string     `json:"failed_step,omitempty"`
	FailedStepIndex int        `json:"failed_step_index"`
	Model           string     `json:"model,omitempty"`
	Provider        string     `json:"provider,omitempty"`
	RetryAfter      int        `json:"retry_after,omitempty"` // seconds
	LastAttempt     *time.Time `json:"last_attempt,omitempty"`
}

// WorkflowExecution - workflow_executions 테이블 구조
type WorkflowExecution struct {
	ID             string                `json:"id"`
	JobID          string                `json:"job_id"`
	WorkflowID     string                `json:"workflow_id"`
	UserID         *string               `json:"user_id"`
	CurrentStep    int                   `json:"current_step"`
	TotalSteps     int                   `json:"total_steps"`
	Status         string                `json:"status"`
	Checkpoints    map[string]Checkpoint `json:"checkpoints"`
	RetryCount     int                   `json:"retry_count"`
	ErrorInfo      *ErrorInfo            `json:"error_info"`
	RequiredModels []string              `json:"required_models"`
	BlockedByJobID *string               `json:"blocked_by_job_id"`
	CreatedAt      time.Time             `json:"created_at"`
}

// HasProgress - 완료된 checkpoint 가 하나라도 있는지
func (e *WorkflowExecution) HasProgress() bool {
	for slot, cp := range e.Checkpoints {
		if slot != InputSlot && cp.Status == CheckpointCompleted {
			return true
		}
	}
	return false
}

// QueueState - job_queue_state 싱글톤 row (id=1)
type QueueState struct {
	ActiveJobID   *string    `json:"active_job_id"`
	ActiveJobType *string    `json:"active_job_type"`
	ActiveModels  []string   `json:"active_models"`
	StartedAt     *time.Time `json:"started_at"`
}

// QueueLogEntry - job_queue_log (append-only)
type QueueLogEntry struct {
	JobID          string                 `json:"job_id"`
	JobType        string                 `json:"job_type"`
	EventType      string                 `json:"event_type"`
	Models         []string               `json:"models"`
	BlockedByJobID *string                `json:"blocked_by_job_id"`
	ConflictReason *string                `json:"conflict_reason"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Job kinds
const (
	JobTypeImage    = "image"
	JobTypeVideo    = "video"
	JobTypeWorkflow = "workflow"
)

// Job / execution status
const (
	StatusPending      = "pending"
	StatusRunning      = "running"
	StatusPendingRetry = "pending_retry"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// Checkpoint status
const (
	CheckpointStored          = "stored"
	CheckpointRunning         = "running"
	CheckpointCompleted       = "completed"
	CheckpointFailedRetryable = "failed_retryable"
	CheckpointFailedPermanent = "failed_permanent"
)

// Queue log event types
const (
	QueueEventStarted   = "started"
	QueueEventBlocked   = "blocked"
	QueueEventCompleted = "completed"
)

// StringPtr - 문자열 포인터 헬퍼
func StringPtr(s string) *string {
	return &s
}
