// Package memstore keeps every persistence contract in process memory.
// It backs STORE_BACKEND=memory and the package tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gen-dispatch-server/modules/common/model"
)

// Store - 메모리 기반 store
type Store struct {
	mu sync.Mutex

	jobs       map[string]*model.Job
	providers  map[string]model.Provider // id → provider
	keys       map[int64]*model.ApiKeyRecord
	nextKeyID  int64
	deleted    []model.DeletedApiKey
	quotas     map[string]*model.ModelQuota
	executions map[string]*model.WorkflowExecution
	state      model.QueueState
	queueLog   []model.QueueLogEntry
}

// New - 빈 Store 생성
func New() *Store {
	return &Store{
		jobs:       make(map[string]*model.Job),
		providers:  make(map[string]model.Provider),
		keys:       make(map[int64]*model.ApiKeyRecord),
		quotas:     make(map[string]*model.ModelQuota),
		executions: make(map[string]*model.WorkflowExecution),
	}
}

// clone - JSON 왕복으로 깊은 복사
func clone(src, dst interface{}) {
	raw, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("memstore: marshal %T: %v", src, err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(fmt.Sprintf("memstore: unmarshal %T: %v", dst, err))
	}
}

// patch - fields 를 JSON 컬럼 이름 기준으로 덮어씀 (PostgREST update 와 같은 의미)
func patch(current interface{}, fields map[string]interface{}, out interface{}) error {
	var row map[string]interface{}
	clone(current, &row)
	for k, v := range fields {
		row[k] = v
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// ---- jobs ----

// PutJob - job 저장 (덮어쓰기)
func (s *Store) PutJob(job model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	var cp model.Job
	clone(job, &cp)
	s.jobs[job.JobID] = &cp
}

func (s *Store) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	var cp model.Job
	clone(job, &cp)
	return &cp, nil
}

func (s *Store) UpdateJob(_ context.Context, jobID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	var updated model.Job
	if err := patch(job, fields, &updated); err != nil {
		return err
	}
	s.jobs[jobID] = &updated
	return nil
}

func (s *Store) ListJobsByStatus(_ context.Context, status string, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if job.Status == status {
			var cp model.Job
			clone(job, &cp)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- providers / keys ----

// AddProvider - provider 등록 후 id 반환
func (s *Store) AddProvider(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.providers {
		if p.Name == name {
			return id
		}
	}
	id := uuid.NewString()
	s.providers[id] = model.Provider{ID: id, Name: name}
	return id
}

// AddKey - provider 에 다음 key_number 로 키 추가
func (s *Store) AddKey(_ context.Context, providerKey, secret string) (model.ApiKeyRecord, error) {
	providerID := s.AddProvider(providerKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := 1
	for _, k := range s.keys {
		if k.ProviderID == providerID && k.KeyNumber >= next {
			next = k.KeyNumber + 1
		}
	}
	s.nextKeyID++
	rec := model.ApiKeyRecord{ID: s.nextKeyID, ProviderID: providerID, KeyNumber: next, APIKey: secret}
	s.keys[rec.ID] = &rec
	return rec, nil
}

func (s *Store) ProviderID(_ context.Context, providerKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.providers {
		if p.Name == providerKey {
			return id, nil
		}
	}
	return "", fmt.Errorf("provider %s: %w", providerKey, model.ErrNotFound)
}

func (s *Store) ProviderName(_ context.Context, providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[providerID]
	if !ok {
		return "", fmt.Errorf("provider %s: %w", providerID, model.ErrNotFound)
	}
	return p.Name, nil
}

func (s *Store) ListKeys(_ context.Context, providerID string) ([]model.ApiKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ApiKeyRecord
	for _, k := range s.keys {
		if k.ProviderID == providerID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyNumber < out[j].KeyNumber })
	return out, nil
}

func (s *Store) GetKey(_ context.Context, keyID int64) (*model.ApiKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("key %d: %w", keyID, model.ErrNotFound)
	}
	cp := *k
	return &cp, nil
}

func (s *Store) ArchiveKey(_ context.Context, archived model.DeletedApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, archived)
	return nil
}

func (s *Store) DeleteKey(_ context.Context, keyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

// Deleted - 아카이브된 키 목록
func (s *Store) Deleted() []model.DeletedApiKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeletedApiKey(nil), s.deleted...)
}

// ---- quotas ----

func quotaKey(provider, modelName string) string { return provider + ":" + modelName }

// PutQuota - quota row 저장
func (s *Store) PutQuota(q model.ModelQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quotaKey(q.ProviderName, q.ModelName)] = &q
}

func (s *Store) LoadQuotas(_ context.Context) ([]model.ModelQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ModelQuota, 0, len(s.quotas))
	for _, q := range s.quotas {
		out = append(out, *q)
	}
	return out, nil
}

func (s *Store) IncrementQuota(_ context.Context, provider, modelName string) (model.QuotaIncrement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(provider, modelName)]
	if !ok {
		return model.QuotaIncrement{Success: false, Reason: "not_found"}, nil
	}
	if !q.Enabled || q.QuotaUsed >= q.QuotaLimit {
		return model.QuotaIncrement{Success: false, QuotaUsed: q.QuotaUsed, Reason: "quota_exceeded_or_disabled"}, nil
	}
	q.QuotaUsed++
	return model.QuotaIncrement{Success: true, QuotaUsed: q.QuotaUsed}, nil
}

// ---- workflow executions ----

func (s *Store) GetExecutionByJob(_ context.Context, jobID string) (*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.JobID == jobID {
			var cp model.WorkflowExecution
			clone(e, &cp)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) CreateExecution(_ context.Context, exec *model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	for _, e := range s.executions {
		if e.JobID == exec.JobID {
			return fmt.Errorf("execution for job %s already exists", exec.JobID)
		}
	}
	var cp model.WorkflowExecution
	clone(exec, &cp)
	s.executions[cp.ID] = &cp
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, executionID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, model.ErrNotFound)
	}
	var updated model.WorkflowExecution
	if err := patch(e, fields, &updated); err != nil {
		return err
	}
	s.executions[executionID] = &updated
	return nil
}

func (s *Store) ListExecutionsByStatus(_ context.Context, status string) ([]model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkflowExecution
	for _, e := range s.executions {
		if e.Status == status {
			var cp model.WorkflowExecution
			clone(e, &cp)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutExecution - execution 저장 (테스트 시드)
func (s *Store) PutExecution(exec model.WorkflowExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	var cp model.WorkflowExecution
	clone(exec, &cp)
	s.executions[cp.ID] = &cp
}

// ---- job queue state / log ----

func (s *Store) GetQueueState(_ context.Context) (*model.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cp model.QueueState
	clone(s.state, &cp)
	return &cp, nil
}

func (s *Store) SetActiveJob(_ context.Context, jobID, jobType string, models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.state = model.QueueState{
		ActiveJobID:   model.StringPtr(jobID),
		ActiveJobType: model.StringPtr(jobType),
		ActiveModels:  append([]string(nil), models...),
		StartedAt:     &now,
	}
	return nil
}

func (s *Store) ClearActiveJob(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = model.QueueState{}
	return nil
}

func (s *Store) MarkJobQueued(ctx context.Context, jobID, blockedBy, reason string, models []string) error {
	return s.UpdateJob(ctx, jobID, map[string]interface{}{
		"blocked_by_job_id": blockedBy,
		"conflict_reason":   reason,
		"required_models":   models,
		"queued_at":         time.Now().UTC(),
	})
}

func (s *Store) ClearJobQueueInfo(ctx context.Context, jobID string) error {
	return s.UpdateJob(ctx, jobID, map[string]interface{}{
		"blocked_by_job_id": nil,
		"conflict_reason":   nil,
		"queued_at":         nil,
	})
}

func (s *Store) AppendQueueLog(_ context.Context, entry model.QueueLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.queueLog = append(s.queueLog, entry)
	return nil
}

// QueueLog - append-only 로그 복사본
func (s *Store) QueueLog() []model.QueueLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.QueueLogEntry(nil), s.queueLog...)
}

func (s *Store) ListBlockedJobs(_ context.Context, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if job.Status == model.StatusPending && job.BlockedByJobID != nil {
			var cp model.Job
			clone(job, &cp)
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].QueuedAt, out[j].QueuedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
