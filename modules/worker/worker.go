package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"gen-dispatch-server/modules/dispatcher"
)

// JobSource - job_id 를 하나씩 꺼내는 intake queue
type JobSource interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Name() string
}

// Submitter - job_id 를 받아 dispatch 시작
type Submitter interface {
	SubmitID(ctx context.Context, jobID string) error
}

// Worker - Redis Queue Worker
type Worker struct {
	source       JobSource
	submitter    Submitter
	pollTimeout  time.Duration
	errorBackoff time.Duration
}

// NewWorker - Worker 생성
func NewWorker(source JobSource, submitter Submitter) *Worker {
	return &Worker{
		source:       source,
		submitter:    submitter,
		pollTimeout:  5 * time.Second,
		errorBackoff: 5 * time.Second,
	}
}

// Run - ctx 가 끝날 때까지 Queue 감시
func (w *Worker) Run(ctx context.Context) {
	log.Printf("👀 Watching queue: %s", w.source.Name())

	for {
		if ctx.Err() != nil {
			log.Println("🛑 Worker stopped")
			return
		}

		// BRPOP 은 pollTimeout 마다 빈 결과로 돌아와 ctx 종료를 확인
		jobID, err := w.source.Pop(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("❌ Redis BRPOP error: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.errorBackoff):
			}
			continue
		}
		if jobID == "" {
			continue
		}

		log.Printf("🎯 Received new job: %s", jobID)
		w.processJob(ctx, jobID)
	}
}

// processJob - dispatcher 에 넘김. 실제 처리는 dispatcher goroutine 에서 진행
func (w *Worker) processJob(ctx context.Context, jobID string) {
	err := w.submitter.SubmitID(ctx, jobID)
	switch {
	case err == nil:
		log.Printf("🚀 Dispatched job: %s", jobID)
	case errors.Is(err, dispatcher.ErrMaintenance):
		// job 은 pending 으로 남고 유지보수 해제 시 backlog 로 재제출됨
		log.Printf("🚧 Maintenance mode - job %s left pending", jobID)
	default:
		log.Printf("❌ Failed to dispatch job %s: %v", jobID, err)
	}
}
