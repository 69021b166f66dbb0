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
	"gen-dispatch-server/modules/dispatcher"
	"gen-dispatch-server/modules/progress"
)

// JobStore - 취소에 필요한 job / execution 접근
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	UpdateJob(ctx context.Context, jobID string, fields map[string]interface{}) error
	GetExecutionByJob(ctx context.Context, jobID string) (*model.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, executionID string, fields map[string]interface{}) error
}

// MaintenanceSwitch - 점검 모드 플래그
type MaintenanceSwitch interface {
	Enabled(ctx context.Context) bool
	SetEnabled(ctx context.Context, on bool) error
}

// AdminHandler - job 취소, 점검 모드, 운영 상태 API
type AdminHandler struct {
	store       JobStore
	maintenance MaintenanceSwitch
	dispatcher  *dispatcher.Dispatcher
	hub         *progress.Hub
}

// NewAdminHandler - hub 는 nil 가능
func NewAdminHandler(store JobStore, maintenance MaintenanceSwitch, d *dispatcher.Dispatcher, hub *progress.Hub) *AdminHandler {
	return &AdminHandler{store: store, maintenance: maintenance, dispatcher: d, hub: hub}
}

// RegisterRoutes - 라우트 등록
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/jobs/{jobId}/cancel", h.CancelJob).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/maintenance", h.GetMaintenance).Methods("GET")
	r.HandleFunc("/api/maintenance", h.SetMaintenance).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/quota", h.GetQuota).Methods("GET")
	r.HandleFunc("/api/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/retry/run", h.RunRetry).Methods("POST", "OPTIONS")
	log.Println("✅ [AdminHandler] Routes registered: /api/jobs/{jobId}/cancel, /api/maintenance, /api/quota, /api/status, /api/retry/run")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// CancelJob - 대기 중인 job 만 취소. 실행 중인 generation 은 중단하지 않음
func (h *AdminHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	// CORS preflight
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	jobID := mux.Vars(r)["jobId"]
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "jobId is required"})
		return
	}

	log.Printf("🛑 [AdminHandler] Cancel requested for job: %s", jobID)

	ctx := r.Context()
	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "Job not found"})
		return
	}
	if err != nil {
		log.Printf("❌ [AdminHandler] Failed to load job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	if job.Status != model.StatusPending && job.Status != model.StatusPendingRetry {
		log.Printf("⚠️ [AdminHandler] Job %s is %s, not cancellable", jobID, job.Status)
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success":    false,
			"message":    "Job already " + job.Status,
			"job_id":     jobID,
			"job_status": job.Status,
		})
		return
	}

	now := time.Now()
	if err := h.store.UpdateJob(ctx, jobID, map[string]interface{}{
		"status":        model.StatusCancelled,
		"error_message": "Cancelled by user",
		"completed_at":  now,
	}); err != nil {
		log.Printf("❌ [AdminHandler] Failed to cancel job %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	// 재시도 대기 중인 execution 은 RetryScheduler 대상에서 제외
	if exec, err := h.store.GetExecutionByJob(ctx, jobID); err == nil && exec != nil && exec.Status == model.StatusPendingRetry {
		if err := h.store.UpdateExecution(ctx, exec.ID, map[string]interface{}{
			"status": model.StatusCancelled,
		}); err != nil {
			log.Printf("⚠️ [AdminHandler] Failed to cancel execution %s: %v", exec.ID, err)
		}
	}

	log.Printf("✅ [AdminHandler] Job cancelled: %s (was %s)", jobID, job.Status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"message":         "Job cancelled",
		"job_id":          jobID,
		"previous_status": job.Status,
	})
}

// GetMaintenance - GET /api/maintenance
func (h *AdminHandler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": h.maintenance.Enabled(r.Context())})
}

// SetMaintenance - POST /api/maintenance {"enabled": bool}. 해제 시 pending backlog 재제출
func (h *AdminHandler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "enabled is required"})
		return
	}

	ctx := r.Context()
	if err := h.maintenance.SetEnabled(ctx, *req.Enabled); err != nil {
		log.Printf("❌ [AdminHandler] Failed to set maintenance: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	resp := map[string]interface{}{"success": true, "enabled": *req.Enabled}
	if *req.Enabled {
		log.Println("🚧 [AdminHandler] Maintenance mode ON")
	} else {
		log.Println("✅ [AdminHandler] Maintenance mode OFF")
		n, err := h.dispatcher.SubmitPending(ctx)
		if err != nil {
			log.Printf("⚠️ [AdminHandler] Backlog resubmit failed: %v", err)
		}
		resp["resubmitted"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetQuota - GET /api/quota
func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Quota().Snapshot())
}

// GetStatus - GET /api/status
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"maintenance": h.maintenance.Enabled(r.Context()),
		"active_job":  h.dispatcher.Coordinator().Active(),
		"rotation":    h.dispatcher.Pool().State(),
		"throttle":    h.dispatcher.Throttle().Snapshot(),
		"workflows":   h.dispatcher.Workflows().IDs(),
	}
	if h.hub != nil {
		status["progress"] = h.hub.Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

// RunRetry - POST /api/retry/run. 다음 tick 을 기다리지 않고 retry 사이클 실행
func (h *AdminHandler) RunRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	sum := h.dispatcher.Scheduler().RunOnce(r.Context())
	writeJSON(w, http.StatusOK, sum)
}
