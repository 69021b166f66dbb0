package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"gen-dispatch-server/modules/common/model"
)

// GetExecutionByJob - 없으면 (nil, nil)
func (c *Client) GetExecutionByJob(_ context.Context, jobID string) (*model.WorkflowExecution, error) {
	var execs []model.WorkflowExecution
	_, err := c.supabase.From(tableExecutions).
		Select("*", "", false).
		Eq("job_id", jobID).
		Limit(1, "").
		ExecuteTo(&execs)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution for job %s: %w", jobID, err)
	}
	if len(execs) == 0 {
		return nil, nil
	}
	return &execs[0], nil
}

// CreateExecution - ID 가 비어 있으면 새로 발급
func (c *Client) CreateExecution(_ context.Context, exec *model.WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	_, _, err := c.supabase.From(tableExecutions).
		Insert(exec, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to create execution for job %s: %w", exec.JobID, err)
	}
	return nil
}

func (c *Client) UpdateExecution(_ context.Context, executionID string, fields map[string]interface{}) error {
	_, _, err := c.supabase.From(tableExecutions).
		Update(fields, "", "").
		Eq("id", executionID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", executionID, err)
	}
	return nil
}

// ListExecutionsByStatus - created_at 오름차순
func (c *Client) ListExecutionsByStatus(_ context.Context, status string) ([]model.WorkflowExecution, error) {
	var execs []model.WorkflowExecution
	_, err := c.supabase.From(tableExecutions).
		Select("*", "", false).
		Eq("status", status).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&execs)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s executions: %w", status, err)
	}
	return execs, nil
}
