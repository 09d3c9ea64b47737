package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Handlers exposes the viewer API plus the ingestion endpoint for
// out-of-process business collaborators
type Handlers struct {
	service   *Service
	recorder  *Recorder
	log       *logrus.Logger
	backupDir string
}

// NewHandlers creates the audit HTTP handlers. backupDir is where
// pre-reset snapshots are written.
func NewHandlers(service *Service, recorder *Recorder, log *logrus.Logger, backupDir string) *Handlers {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handlers{
		service:   service,
		recorder:  recorder,
		log:       log,
		backupDir: backupDir,
	}
}

// RegisterRoutes registers the audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/logs", h.listLogs).Methods("GET")
	router.HandleFunc("/audit/record/{table}/{key}", h.recordHistory).Methods("GET")
	router.HandleFunc("/audit/stats", h.stats).Methods("GET")
	router.HandleFunc("/audit/export", h.export).Methods("GET")
	router.HandleFunc("/audit/tables", h.tables).Methods("GET")
	router.HandleFunc("/audit/actions", h.actions).Methods("GET")
	router.HandleFunc("/audit/events", h.ingestEvent).Methods("POST")
	router.HandleFunc("/audit/reset", h.reset).Methods("POST")
}

// listLogs handles GET /audit/logs
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":    records,
		"pagination": pagination,
	})
}

// recordHistory handles GET /audit/record/{table}/{key}
func (h *Handlers) recordHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	history, err := h.service.HistoryFor(r.Context(), vars["table"], vars["key"])
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"table_name": vars["table"],
		"record_key": vars["key"],
		"history":    history,
	})
}

// stats handles GET /audit/stats
func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	stats, err := h.service.Statistics(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// export handles GET /audit/export
func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	// Exports page through the whole matching set
	filter.Page = 1
	filter.PageSize = MaxPageSize

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	var all []*Record
	for {
		records, pagination, err := h.service.List(r.Context(), filter)
		if err != nil {
			h.writeError(w, err)
			return
		}
		all = append(all, records...)
		if !pagination.HasNext {
			break
		}
		filter.Page++
	}

	data, err := Export(all, format)
	if err != nil {
		h.writeError(w, err)
		return
	}

	stamp := time.Now().UTC().Format("20060102_150405")
	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit_logs_%s.csv", stamp))
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit_logs_%s.ndjson", stamp))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit_logs_%s.json", stamp))
	}
	w.Write(data)
}

// tables handles GET /audit/tables
func (h *Handlers) tables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.service.Tables(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

// actions handles GET /audit/actions
func (h *Handlers) actions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.service.Actions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// eventPayload is the ingestion body submitted by business collaborators
type eventPayload struct {
	TableName string   `json:"table_name"`
	RecordKey string   `json:"record_key"`
	Action    string   `json:"action"`
	Before    Snapshot `json:"before_state"`
	After     Snapshot `json:"after_state"`
	Notes     string   `json:"notes"`
}

// ingestEvent handles POST /audit/events. Malformed payloads are the
// caller's fault and get a 400; a failing store is an audit-side problem
// and is contained, so the response is 202 either way.
func (h *Handlers) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, &ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}

	action, err := ParseAction(payload.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}

	rec := &Record{
		TableName: payload.TableName,
		RecordKey: payload.RecordKey,
		Action:    action,
		Before:    payload.Before,
		After:     payload.After,
		Notes:     payload.Notes,
	}
	if err := rec.Validate(); err != nil {
		h.writeError(w, err)
		return
	}
	if action == ActionUpdate {
		rec.Changes = ComputeChanges(rec.Before, rec.After)
	}

	stored := h.recorder.Append(r.Context(), rec)

	response := map[string]interface{}{"accepted": true}
	if stored != nil {
		response["id"] = stored.ID
	}
	writeJSON(w, http.StatusAccepted, response)
}

// reset handles POST /audit/reset
func (h *Handlers) reset(w http.ResponseWriter, r *http.Request) {
	backupPath := ""
	if r.URL.Query().Get("backup") == "true" {
		stamp := time.Now().UTC().Format("20060102_150405")
		backupPath = filepath.Join(h.backupDir, fmt.Sprintf("audit_backup_%s.db", stamp))
	}

	removed, err := h.service.Reset(r.Context(), backupPath)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{"removed": removed, "backup": backupPath}).
		Warn("audit log reset by operator")

	response := map[string]interface{}{"removed": removed}
	if backupPath != "" {
		response["backup_path"] = backupPath
	}
	writeJSON(w, http.StatusOK, response)
}

// parseFilter reads the QueryFilter fields from request parameters.
// Parameter names match the original viewer's query string.
func parseFilter(r *http.Request) (Filter, error) {
	query := r.URL.Query()
	filter := Filter{
		TableName: query.Get("table"),
		RecordKey: query.Get("record_id"),
		Search:    query.Get("search"),
	}

	if actionStr := query.Get("action"); actionStr != "" {
		action, err := ParseAction(actionStr)
		if err != nil {
			return Filter{}, err
		}
		filter.Action = action
	}

	if fromStr := query.Get("date_from"); fromStr != "" {
		from, err := parseTimeParam("date_from", fromStr, false)
		if err != nil {
			return Filter{}, err
		}
		filter.From = &from
	}
	if toStr := query.Get("date_to"); toStr != "" {
		to, err := parseTimeParam("date_to", toStr, true)
		if err != nil {
			return Filter{}, err
		}
		filter.To = &to
	}

	if pageStr := query.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page <= 0 {
			return Filter{}, &ValidationError{Field: "page", Reason: "must be a positive integer"}
		}
		filter.Page = page
	}
	if sizeStr := query.Get("per_page"); sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size <= 0 {
			return Filter{}, &ValidationError{Field: "per_page", Reason: "must be a positive integer"}
		}
		filter.PageSize = size
	}

	return filter, nil
}

// parseTimeParam accepts RFC3339 or a bare date. A bare end date is
// stretched to the end of that day so the range stays inclusive.
func parseTimeParam(field, value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t.UTC(), nil
	}
	return time.Time{}, &ValidationError{Field: field, Reason: "expected RFC3339 or YYYY-MM-DD"}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if IsValidationError(err) {
		status = http.StatusBadRequest
	} else {
		h.log.WithError(err).Error("audit query failed")
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
