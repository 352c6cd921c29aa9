// Package server implements the HTTP surface consumed by the
// presentation layer: scan triggers, task submission and inspection, and
// ledger exports.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"doctracker/constants"
	"doctracker/internal/cache"
	"doctracker/internal/common"
	"doctracker/internal/export"
	"doctracker/internal/repository"
	"doctracker/internal/scan"
	"doctracker/internal/task"
)

// Handler holds dependencies for the HTTP endpoints.
type Handler struct {
	scanner      *scan.Scanner
	orchestrator *task.Orchestrator
	exporter     *export.Service
	db           *repository.DB
	defaultRoot  string
	logger       *slog.Logger
}

func NewHandler(
	scanner *scan.Scanner,
	orchestrator *task.Orchestrator,
	exporter *export.Service,
	db *repository.DB,
	defaultRoot string,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		scanner:      scanner,
		orchestrator: orchestrator,
		exporter:     exporter,
		db:           db,
		defaultRoot:  defaultRoot,
		logger:       logger,
	}
}

// RegisterRoutes attaches all routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /scan", h.runScan)
	mux.HandleFunc("GET /files", h.listFiles)
	mux.HandleFunc("POST /files/processed", h.markProcessed)
	mux.HandleFunc("POST /tasks", h.submitTask)
	mux.HandleFunc("GET /tasks", h.listTasks)
	mux.HandleFunc("GET /tasks/stats", h.taskStats)
	mux.HandleFunc("GET /tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /tasks/{id}", h.cancelTask)
	mux.HandleFunc("GET /export/versions.xlsx", h.exportVersions)
	mux.HandleFunc("GET /healthz", h.healthz)
}

// ---------- POST /scan ----------

type scanRequest struct {
	Root string `json:"root"`
}

func (h *Handler) runScan(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	logger := h.logger.With(slog.String("request_id", requestID))

	var req scanRequest
	if r.Body != nil {
		// empty body means "use the configured root"
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	root := strings.TrimSpace(req.Root)
	if root == "" {
		root = h.defaultRoot
	}
	if root == "" {
		http.Error(w, "root is required", http.StatusBadRequest)
		return
	}

	logger.Info("scan requested", "root", root)
	report, err := h.scanner.Scan(common.WithRequestID(r.Context(), requestID), root)
	if err != nil {
		logger.Error("scan failed", "root", root, "error", err)
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"new":           metaPaths(report.New),
		"updated":       metaPaths(report.Updated),
		"unchanged":     metaPaths(report.Unchanged),
		"deleted":       report.Deleted,
		"errors":        report.Errors,
		"total":         report.Total(),
		"ledger_errors": report.Stats.LedgerErrors,
		"scan_time":     report.ScanTime.UTC().Format(time.RFC3339),
	})
}

// ---------- GET /files?status= ----------

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "all"
	}

	files, err := h.scanner.ListByStatus(r.Context(), status)
	if err != nil {
		if errors.Is(err, common.ErrInvalidInput) {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
		h.logger.Error("list files failed", "status", status, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files, "count": len(files)})
}

// ---------- POST /files/processed ----------

type markProcessedRequest struct {
	Paths []string `json:"paths"`
}

func (h *Handler) markProcessed(w http.ResponseWriter, r *http.Request) {
	var req markProcessedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.Paths) == 0 {
		http.Error(w, "paths is required", http.StatusBadRequest)
		return
	}
	if err := h.scanner.MarkProcessed(r.Context(), req.Paths); err != nil {
		h.logger.Error("mark processed failed", "count", len(req.Paths), "error", err)
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"marked": len(req.Paths)})
}

// ---------- POST /tasks ----------

type submitTaskRequest struct {
	Path     string `json:"path"`
	FileType string `json:"file_type"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("request_id", uuid.New().String()))

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	v := common.NewValidator()
	v.Field("path", req.Path, common.Required, common.MaxLength(4096))
	if req.FileType != "" {
		v.Field("file_type", req.FileType, common.OneOf(constants.FileTypes...))
	}
	if v.HasErrors() {
		http.Error(w, v.ErrorMessage(), http.StatusBadRequest)
		return
	}

	path := strings.TrimSpace(req.Path)
	fileType := req.FileType
	if fileType == "" {
		fileType = constants.MapExtToFileType(filepath.Ext(path))
	}
	if fileType == "" {
		http.Error(w, "unsupported file type", http.StatusBadRequest)
		return
	}

	id, err := h.orchestrator.Submit(path, fileType)
	switch {
	case errors.Is(err, common.ErrFileLocked):
		logger.Warn("duplicate submission rejected", "path", path)
		http.Error(w, "file is already being processed", http.StatusConflict)
		return
	case errors.Is(err, common.ErrShuttingDown):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Error("submit failed", "path", path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", "/tasks/"+id.String())
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id.String(),
		"status":  string(task.StatusPending),
	})
}

// ---------- GET /tasks ----------

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []task.Task
	if r.URL.Query().Get("state") == "running" {
		tasks = h.orchestrator.ListRunning()
	} else {
		tasks = h.orchestrator.ListAll()
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

// ---------- GET /tasks/{id} ----------

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "task id must be a UUID", http.StatusBadRequest)
		return
	}
	t, ok := h.orchestrator.GetStatus(id)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}

// ---------- DELETE /tasks/{id} ----------

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "task id must be a UUID", http.StatusBadRequest)
		return
	}
	if _, ok := h.orchestrator.GetStatus(id); !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	cancelled := h.orchestrator.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// ---------- GET /tasks/stats ----------

func (h *Handler) taskStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.Statistics())
}

// ---------- GET /export/versions.xlsx ----------

func (h *Handler) exportVersions(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		http.Error(w, "export unavailable", http.StatusServiceUnavailable)
		return
	}
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from parameter", http.StatusBadRequest)
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to parameter", http.StatusBadRequest)
		return
	}
	data, err := h.exporter.ExportVersionsXLSX(r.Context(), r.URL.Query().Get("status"), from, to)
	if err != nil {
		h.logger.Error("export failed", "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="file_versions.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ---------- GET /healthz ----------

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context(), 3*time.Second, h.logger); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------- helpers ----------

type taskView struct {
	ID        string         `json:"task_id"`
	FilePath  string         `json:"file_path"`
	FileType  string         `json:"file_type"`
	Status    string         `json:"status"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime string         `json:"start_time,omitempty"`
	EndTime   string         `json:"end_time,omitempty"`
}

func newTaskView(t task.Task) taskView {
	v := taskView{
		ID:       t.ID.String(),
		FilePath: t.FilePath,
		FileType: t.FileType,
		Status:   string(t.Status),
		Progress: t.Progress,
		Message:  t.Message,
		Error:    t.Err,
	}
	if t.Result != nil {
		v.Result = t.Result.Payload
	}
	if !t.StartTime.IsZero() {
		v.StartTime = t.StartTime.UTC().Format(time.RFC3339)
	}
	if !t.EndTime.IsZero() {
		v.EndTime = t.EndTime.UTC().Format(time.RFC3339)
	}
	return v
}

func metaPaths(metas []cache.FileMeta) []string {
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Path)
	}
	return out
}

// parseTimeParam accepts RFC 3339 or a plain date; empty means unset.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
