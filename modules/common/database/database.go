package database

import (
	"fmt"
	"log"

	"github.com/supabase-community/supabase-go"

	"gen-dispatch-server/modules/common/config"
)

// 테이블 이름
const (
	tableJobs          = "jobs"
	tableProviders     = "providers"
	tableKeys          = "provider_api_keys"
	tableDeletedKeys   = "deleted_api_keys"
	tableQuotas        = "model_quotas"
	tableExecutions    = "workflow_executions"
	tableQueueState    = "job_queue_state"
	tableQueueLog      = "job_queue_log"
	queueStateRowID    = "1"
	incrementQuotaFunc = "increment_quota"
)

// Client - Supabase 기반 store. dispatcher 가 쓰는 모든 테이블 contract 를 구현
type Client struct {
	supabase *supabase.Client
}

// NewClient - Database 클라이언트 생성
func NewClient(cfg *config.Config) (*Client, error) {
	supabaseClient, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	log.Printf("✅ Supabase client ready: %s", cfg.SupabaseURL)
	return &Client{supabase: supabaseClient}, nil
}
