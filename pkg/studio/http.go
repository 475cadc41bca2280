package studio

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/kiln-ai/platform/pkg/common/logger"
	"github.com/kiln-ai/platform/pkg/common/middleware"
	"github.com/kiln-ai/platform/pkg/finetune"
	"github.com/kiln-ai/platform/pkg/observability/metrics"
)

type HTTPHandler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *HTTPHandler {
	return &HTTPHandler{service: service}
}

// RouterConfig carries the middleware settings for NewRouter.
type RouterConfig struct {
	CORSOrigins    []string
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int
}

// NewRouter registers the API routes and wraps them with the middleware chain.
// CORS, logging and recovery wrap the router itself because mux only runs
// router.Use middleware on matched routes, and preflight requests match none.
func NewRouter(service *Service, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	NewHTTPHandler(service).Register(router)

	var handler http.Handler = router
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	handler = middleware.Logging(handler)
	return middleware.Recovery(handler)
}

func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tasks", h.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", h.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}", h.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/runs", h.handleAddRun).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/runs", h.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/runs/{run_id}", h.handleDeleteRun).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{task_id}/dataset_splits", h.handleCreateDatasetSplit).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/dataset_splits", h.handleListDatasetSplits).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/dataset_splits/{split_id}", h.handleGetDatasetSplit).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{task_id}/dataset_splits/{split_id}/exports", h.handleExport).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/dataset_splits/{split_id}/export_requests", h.handleQueueExport).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{task_id}/dataset_splits/{split_id}/download", h.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/dataset_formats", h.handleDatasetFormats).Methods(http.MethodGet)
	api.HandleFunc("/finetune/hyperparameters/{provider_id}", h.handleHyperparameters).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w)
}

func (h *HTTPHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.service.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, r, "failed to create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *HTTPHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := h.service.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, r, "failed to list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": tasks})
}

func (h *HTTPHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTask(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		writeError(w, r, "failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task, "run_count": len(task.Runs())})
}

func (h *HTTPHandler) handleAddRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := h.service.AddRun(r.Context(), mux.Vars(r)["task_id"], req)
	if err != nil {
		writeError(w, r, "failed to add task run", err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *HTTPHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.service.ListRuns(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		writeError(w, r, "failed to list task runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": runs})
}

func (h *HTTPHandler) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DeleteRun(r.Context(), vars["task_id"], vars["run_id"]); err != nil {
		writeError(w, r, "failed to delete task run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleCreateDatasetSplit(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasetSplitRequest
	if !decode(w, r, &req) {
		return
	}
	split, err := h.service.CreateDatasetSplit(r.Context(), mux.Vars(r)["task_id"], req)
	if err != nil {
		writeError(w, r, "failed to create dataset split", err)
		return
	}
	writeJSON(w, http.StatusCreated, split)
}

func (h *HTTPHandler) handleListDatasetSplits(w http.ResponseWriter, r *http.Request) {
	splits, err := h.service.ListDatasetSplits(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		writeError(w, r, "failed to list dataset splits", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": splits})
}

func (h *HTTPHandler) handleGetDatasetSplit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	view, err := h.service.GetDatasetSplit(r.Context(), vars["task_id"], vars["split_id"])
	if err != nil {
		writeError(w, r, "failed to get dataset split", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTPHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	result, err := h.service.Export(r.Context(), vars["task_id"], vars["split_id"], req)
	if err != nil {
		writeError(w, r, "failed to export dataset", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) handleQueueExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	if err := h.service.QueueExport(r.Context(), vars["task_id"], vars["split_id"], req); err != nil {
		writeError(w, r, "failed to queue dataset export", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *HTTPHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ExportRequest{
		SplitName:            q.Get("split_name"),
		Format:               q.Get("format_type"),
		SystemMessage:        q.Get("system_message"),
		ThinkingInstructions: q.Get("thinking_instructions"),
		DataStrategy:         q.Get("data_strategy"),
	}
	vars := mux.Vars(r)

	var buf bytes.Buffer
	if _, err := h.service.Download(r.Context(), &buf, vars["task_id"], vars["split_id"], req); err != nil {
		writeError(w, r, "failed to download dataset", err)
		return
	}
	w.Header().Set("Content-Type", "application/jsonl; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": req.SplitName + "_" + req.Format + ".jsonl",
	}))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

type datasetFormat struct {
	ID string `json:"id"`
}

func (h *HTTPHandler) handleDatasetFormats(w http.ResponseWriter, _ *http.Request) {
	formats := finetune.Formats()
	out := make([]datasetFormat, 0, len(formats))
	for _, f := range formats {
		out = append(out, datasetFormat{ID: string(f)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": out})
}

func (h *HTTPHandler) handleHyperparameters(w http.ResponseWriter, r *http.Request) {
	params, err := finetune.Hyperparameters(mux.Vars(r)["provider_id"])
	if err != nil {
		writeError(w, r, "failed to list hyperparameters", err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	entry := logger.Log.WithError(err).WithField("request_id", middleware.RequestID(r.Context()))
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	entry.Debug(msg)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
