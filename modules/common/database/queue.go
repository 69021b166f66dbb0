package database

import (
	"context"
	"fmt"
	"time"

	"gen-dispatch-server/modules/common/model"
)

// GetQueueState - job_queue_state 싱글톤 row
func (c *Client) GetQueueState(_ context.Context) (*model.QueueState, error) {
	var rows []model.QueueState
	_, err := c.supabase.From(tableQueueState).
		Select("*", "", false).
		Eq("id", queueStateRowID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue state: %w", err)
	}
	if len(rows) == 0 {
		return &model.QueueState{}, nil
	}
	return &rows[0], nil
}

func (c *Client) SetActiveJob(_ context.Context, jobID, jobType string, models []string) error {
	return c.updateQueueState(map[string]interface{}{
		"active_job_id":   jobID,
		"active_job_type": jobType,
		"active_models":   models,
		"started_at":      time.Now().UTC(),
	})
}

func (c *Client) ClearActiveJob(_ context.Context) error {
	return c.updateQueueState(map[string]interface{}{
		"active_job_id":   nil,
		"active_job_type": nil,
		"active_models":   nil,
		"started_at":      nil,
	})
}

func (c *Client) updateQueueState(fields map[string]interface{}) error {
	fields["id"] = 1
	_, _, err := c.supabase.From(tableQueueState).
		Insert(fields, true, "id", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update queue state: %w", err)
	}
	return nil
}

// AppendQueueLog - job_queue_log insert (append-only)
func (c *Client) AppendQueueLog(_ context.Context, entry model.QueueLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, _, err := c.supabase.From(tableQueueLog).
		Insert(entry, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to append queue log for %s: %w", entry.JobID, err)
	}
	return nil
}
