package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/soaringjerry/Sylva/internal/blob"
	"github.com/soaringjerry/Sylva/internal/middleware"
	"github.com/soaringjerry/Sylva/internal/services"
)

const (
	// ExportErrorTrailer carries the failure message of an export that broke
	// after the archive started streaming.
	ExportErrorTrailer = "X-Export-Error"

	HeaderAccessKey = "X-Access-Key-Id"
	HeaderSecretKey = "X-Access-Key-Secret"

	maxFormMemory = 8 << 20
)

// Deps are the services the HTTP layer drives.
type Deps struct {
	Credentials *services.CredentialService
	Filter      *services.FilterService
	Locator     *services.Locator
	Export      *services.ExportService
	Forest      *services.ForestService
	TaskLog     *services.TaskLogService
	Blobs       services.BlobReader
	Queue       QueueDepth
	Auth        *middleware.Auth
	Commit      string
	BuildTime   string
}

// QueueDepth reports how many messages wait in the Forest work queue.
type QueueDepth interface {
	Len(ctx context.Context) (int, error)
}

type Router struct {
	d Deps
}

func NewRouter(d Deps) *Router {
	return &Router{d: d}
}

func logger() *logrus.Entry {
	return logrus.StandardLogger().WithField("module", "api")
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/data/export", rt.handleExport)     // POST
	mux.HandleFunc("/get-data/v1", rt.handleExport)     // POST
	mux.HandleFunc("/get-studies/v1", rt.handleStudies) // POST, GET
	mux.HandleFunc("/health", rt.handleHealth)
	mux.HandleFunc("/version", rt.handleVersion)

	forest := http.NewServeMux()
	forest.HandleFunc("/forest/tasks", rt.handleTasks)                 // POST dispatch, GET history
	forest.HandleFunc("/forest/tasks/download", rt.handleTaskDownload) // GET csv
	forest.HandleFunc("/forest/tasks/", rt.handleTaskScoped)           // POST {id}/cancel, GET {id}, GET {id}/output, GET {id}/events
	protected := middleware.RequireAuth(forest)
	if rt.d.Auth != nil {
		protected = rt.d.Auth.WithAuth(protected)
	}
	mux.Handle("/forest/", protected)
}

// Handler returns the full middleware chain around a fresh mux.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	rt.Register(mux)
	return middleware.RequestLogger(middleware.CORS(middleware.APIHeaders(mux)))
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Credential failures are
// 403 so clients cannot tell a bad key from a missing session.
func writeError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		logger().WithError(err).Error("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalid:
		status = http.StatusBadRequest
	case services.ErrorUnauthorized, services.ErrorForbidden:
		status = http.StatusForbidden
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorConflict:
		status = http.StatusConflict
	}
	msg := se.Message
	if status == http.StatusInternalServerError {
		logger().WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Reason: se.Reason})
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxFormMemory)
	}
	return r.ParseForm()
}

// credentials reads the key pair from the body, falling back to headers.
func credentials(r *http.Request) (string, string) {
	access := r.PostForm.Get("access_key")
	secret := r.PostForm.Get("secret_key")
	if access == "" && secret == "" {
		access = r.Header.Get(HeaderAccessKey)
		secret = r.Header.Get(HeaderSecretKey)
	}
	return access, secret
}

func (rt *Router) verify(r *http.Request) (*services.Principal, error) {
	access, secret := credentials(r)
	return rt.d.Credentials.Verify(r.Context(), access, secret)
}

// formBool reads a form flag. HTML checkboxes send "on".
func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes", "y":
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// exportWriter delays the 200 and archive headers until the first byte, so a
// failure before that can still be answered with a JSON error.
type exportWriter struct {
	w         http.ResponseWriter
	committed bool
}

func (e *exportWriter) commit() {
	if e.committed {
		return
	}
	e.committed = true
	h := e.w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", `attachment; filename="data.zip"`)
	h.Set("Trailer", ExportErrorTrailer)
	e.w.WriteHeader(http.StatusOK)
}

func (e *exportWriter) Write(p []byte) (int, error) {
	e.commit()
	return e.w.Write(p)
}

func (e *exportWriter) Flush() {
	if !e.committed {
		return
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
}

// POST /data/export
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseForm(r); err != nil {
		writeError(w, services.NewInvalidError("malformed form body"))
		return
	}
	principal, err := rt.verify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw := services.RawExportParams{
		StudyID:     r.Form.Get("study_id"),
		UserIDs:     r.Form["user_ids"],
		DataStreams: r.Form["data_streams"],
		TimeStart:   r.Form.Get("time_start"),
		TimeEnd:     r.Form.Get("time_end"),
		Registry:    r.Form.Get("registry"),
		Compress:    formBool(r.Form.Get("compress")),
		WebForm:     formBool(r.Form.Get("web_form")),
	}
	q, err := rt.d.Filter.Resolve(r.Context(), principal, raw)
	if err != nil {
		writeError(w, err)
		return
	}

	log := logger().WithFields(logrus.Fields{"study": q.StudyID, "researcher": principal.ResearcherID, "compress": q.Compress})
	ew := &exportWriter{w: w}
	sum, err := rt.d.Export.Stream(r.Context(), ew, q, rt.d.Locator.Locate(r.Context(), q))
	if err != nil {
		if !ew.committed {
			writeError(w, err)
			return
		}
		w.Header().Set(ExportErrorTrailer, strings.ReplaceAll(err.Error(), "\n", " "))
		log.WithError(err).Warn("export aborted mid-stream")
		return
	}
	if !ew.committed {
		ew.commit()
	}
	log.WithFields(logrus.Fields{
		"entries":          sum.Entries,
		"skipped_registry": sum.SkippedRegistry,
		"bytes":            sum.BytesWritten,
	}).Info("export complete")
}

// POST /get-studies/v1
func (rt *Router) handleStudies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseForm(r); err != nil {
		writeError(w, services.NewInvalidError("malformed form body"))
		return
	}
	principal, err := rt.verify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	studies, err := rt.d.Filter.Studies(r.Context(), principal)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]string, len(studies))
	for _, st := range studies {
		out[st.ID] = st.Name
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"ok":         true,
		"name":       "Sylva API",
		"commit":     rt.d.Commit,
		"build_time": rt.d.BuildTime,
	}
	if rt.d.Queue != nil {
		n, err := rt.d.Queue.Len(r.Context())
		if err != nil {
			logger().WithError(err).Warn("queue depth")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "queue unavailable"})
			return
		}
		body["queue_depth"] = n
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"commit":     rt.d.Commit,
		"build_time": rt.d.BuildTime,
	})
}

// authorize resolves the bearer principal's access to studyID.
func (rt *Router) authorize(ctx context.Context, studyID string) (*services.Study, error) {
	principal, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return nil, services.NewUnauthorizedError("invalid credentials")
	}
	if strings.TrimSpace(studyID) == "" {
		return nil, services.NewValidationError(services.ReasonMissingParam, "study_id required")
	}
	return rt.d.Filter.Authorize(ctx, principal, studyID)
}

type dispatchRequest struct {
	StudyID        string            `json:"study_id"`
	ParticipantIDs []string          `json:"participant_id"`
	Trees          []string          `json:"tree"`
	DateStart      string            `json:"date_start"`
	DateEnd        string            `json:"date_end"`
	Params         map[string]string `json:"params"`
}

// decodeDispatch accepts either a JSON body or form fields.
func decodeDispatch(r *http.Request) (*dispatchRequest, error) {
	var req dispatchRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFormMemory)).Decode(&req); err != nil {
			return nil, services.NewInvalidError("invalid JSON body")
		}
		return &req, nil
	}
	if err := parseForm(r); err != nil {
		return nil, services.NewInvalidError("malformed form body")
	}
	req.StudyID = r.Form.Get("study_id")
	req.DateStart = r.Form.Get("date_start")
	req.DateEnd = r.Form.Get("date_end")
	var err error
	if req.ParticipantIDs, err = services.ParseListParam(r.Form["participant_id"]); err != nil {
		return nil, services.NewValidationError(services.ReasonUnknownParticipant, "participant_id: "+err.Error())
	}
	if req.Trees, err = services.ParseListParam(r.Form["tree"]); err != nil {
		return nil, services.NewInvalidError("tree: " + err.Error())
	}
	if raw := strings.TrimSpace(r.Form.Get("params")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Params); err != nil {
			return nil, services.NewInvalidError("params must be a JSON object of strings")
		}
	}
	return &req, nil
}

// /forest/tasks
func (rt *Router) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.dispatchTasks(w, r)
	case http.MethodGet:
		studyID := r.URL.Query().Get("study_id")
		if _, err := rt.authorize(r.Context(), studyID); err != nil {
			writeError(w, err)
			return
		}
		entries, err := rt.d.TaskLog.History(r.Context(), studyID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"study_id": studyID, "tasks": entries})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) dispatchTasks(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDispatch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	study, err := rt.authorize(r.Context(), req.StudyID)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := rt.d.Forest.DispatchBatch(r.Context(), study.ID, req.ParticipantIDs, req.Trees, req.DateStart, req.DateEnd, req.Params)
	if err != nil {
		if len(ids) > 0 {
			logger().WithError(err).WithField("queued", len(ids)).Warn("batch dispatch stopped early")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

// GET /forest/tasks/download?study_id=...
func (rt *Router) handleTaskDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	studyID := r.URL.Query().Get("study_id")
	if _, err := rt.authorize(r.Context(), studyID); err != nil {
		writeError(w, err)
		return
	}
	b, err := rt.d.TaskLog.HistoryCSV(r.Context(), studyID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", studyID+"_forest_tasks.csv"))
	_, _ = w.Write(b)
}

// /forest/tasks/{id}[/cancel|/output|/events]
func (rt *Router) handleTaskScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/forest/tasks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	task, err := rt.d.Forest.Get(r.Context(), parts[0])
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := rt.authorize(r.Context(), task.StudyID); err != nil {
		writeError(w, err)
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, task)
	case action == "cancel" && r.Method == http.MethodPost:
		status, err := rt.d.Forest.Cancel(r.Context(), task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": task.ID, "status": status})
	case action == "output" && r.Method == http.MethodGet:
		rt.serveOutput(w, r, task)
	case action == "events" && r.Method == http.MethodGet:
		events, err := rt.d.TaskLog.Events(r.Context(), task.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": task.ID, "events": events})
	case action == "" || action == "cancel" || action == "output" || action == "events":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) serveOutput(w http.ResponseWriter, r *http.Request, task *services.ForestTask) {
	if task.OutputKey == "" || task.OutputExists == nil || !*task.OutputExists {
		writeError(w, services.NewNotFoundError("task has no output"))
		return
	}
	rc, err := rt.d.Blobs.Open(r.Context(), task.OutputKey)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, services.NewNotFoundError("task output missing"))
		return
	}
	if err != nil {
		writeError(w, services.NewStorageError("open task output", err))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.PatientID+"_"+task.Tree+".csv"))
	if _, err := io.Copy(w, rc); err != nil {
		logger().WithError(err).WithField("task", task.ID).Warn("copy task output")
	}
}
