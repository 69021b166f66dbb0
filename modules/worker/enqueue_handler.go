package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gen-dispatch-server/modules/common/model"
)

const enqueueTimeout = 10 * time.Second

// JobQueue - intake queue 쓰기 쪽
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) (int64, error)
	Name() string
}

// JobLookup - 넣기 전에 job 이 존재하고 아직 끝나지 않았는지 확인
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
}

// EnqueueHandler - job_id 를 intake queue 에 넣는 API
type EnqueueHandler struct {
	queue JobQueue
	jobs  JobLookup
}

// EnqueueResponse - Enqueue 응답
type EnqueueResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	JobStatus     string `json:"job_status,omitempty"`
	Queue         string `json:"queue,omitempty"`
	QueuePosition int64  `json:"queuePosition,omitempty"`
}

// NewEnqueueHandler - jobs 가 nil 이면 상태 확인 없이 넣음
func NewEnqueueHandler(queue JobQueue, jobs JobLookup) *EnqueueHandler {
	log.Printf("✅ [Enqueue] Handler initialized (queue: %s)", queue.Name())
	return &EnqueueHandler{queue: queue, jobs: jobs}
}

// RegisterRoutes - 라우트 등록
func (h *EnqueueHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/enqueue", h.HandleEnqueue).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/enqueue", h.HandleEnqueue).Methods("POST", "OPTIONS")
	log.Println("✅ [Enqueue] Routes registered: /enqueue, /api/enqueue")
}

// HandleEnqueue - POST /enqueue {"job_id": "..."}
func (h *EnqueueHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("❌ [Enqueue] Invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Error: "Invalid request body"})
		return
	}
	if req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Error: "job_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()

	if status, err := h.check(ctx, req.JobID); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, model.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, errFinished):
			code = http.StatusConflict
		}
		log.Printf("⚠️ [Enqueue] Job %s refused: %v", req.JobID, err)
		writeJSON(w, code, EnqueueResponse{Error: err.Error(), JobID: req.JobID, JobStatus: status})
		return
	}

	position, err := h.queue.Enqueue(ctx, req.JobID)
	if err != nil {
		log.Printf("❌ [Enqueue] LPUSH %s failed: %v", req.JobID, err)
		writeJSON(w, http.StatusInternalServerError, EnqueueResponse{Error: err.Error(), JobID: req.JobID})
		return
	}

	log.Printf("📥 [Enqueue] Job %s queued on %s (position: %d)", req.JobID, h.queue.Name(), position)
	writeJSON(w, http.StatusOK, EnqueueResponse{
		Success:       true,
		JobID:         req.JobID,
		Queue:         h.queue.Name(),
		QueuePosition: position,
	})
}

var errFinished = errors.New("job already finished")

// check - 끝난 job (completed / failed / cancelled) 은 다시 넣지 않음
func (h *EnqueueHandler) check(ctx context.Context, jobID string) (string, error) {
	if h.jobs == nil {
		return "", nil
	}
	job, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch job.Status {
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		return job.Status, errFinished
	}
	return job.Status, nil
}
