package database

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"

	"gen-dispatch-server/modules/common/model"
)

// GetJob - jobs 에서 job 하나 조회
func (c *Client) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	var jobs []model.Job
	_, err := c.supabase.From(tableJobs).
		Select("*", "", false).
		Eq("job_id", jobID).
		ExecuteTo(&jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return &jobs[0], nil
}

// UpdateJob - 지정한 컬럼만 갱신
func (c *Client) UpdateJob(_ context.Context, jobID string, fields map[string]interface{}) error {
	_, _, err := c.supabase.From(tableJobs).
		Update(fields, "", "").
		Eq("job_id", jobID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}

// ListJobsByStatus - created_at 오름차순
func (c *Client) ListJobsByStatus(_ context.Context, status string, limit int) ([]model.Job, error) {
	var jobs []model.Job
	q := c.supabase.From(tableJobs).
		Select("*", "", false).
		Eq("status", status).
		Order("created_at", &postgrest.OrderOpts{Ascending: true})
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	if _, err := q.ExecuteTo(&jobs); err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return jobs, nil
}

// ListBlockedJobs - blocked_by_job_id 가 있는 pending job, queued_at 오름차순
func (c *Client) ListBlockedJobs(_ context.Context, limit int) ([]model.Job, error) {
	var jobs []model.Job
	_, err := c.supabase.From(tableJobs).
		Select("*", "", false).
		Eq("status", model.StatusPending).
		Not("blocked_by_job_id", "is", "null").
		Order("queued_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobQueued - 충돌로 대기하게 된 job 기록
func (c *Client) MarkJobQueued(ctx context.Context, jobID, blockedBy, reason string, models []string) error {
	return c.UpdateJob(ctx, jobID, map[string]interface{}{
		"blocked_by_job_id": blockedBy,
		"conflict_reason":   reason,
		"required_models":   models,
		"queued_at":         time.Now().UTC(),
	})
}

// ClearJobQueueInfo - 대기 정보 제거
func (c *Client) ClearJobQueueInfo(ctx context.Context, jobID string) error {
	return c.UpdateJob(ctx, jobID, map[string]interface{}{
		"blocked_by_job_id": nil,
		"conflict_reason":   nil,
		"queued_at":         nil,
	})
}
