package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"campusid.org/internal/audit"
	"campusid.org/internal/verify"
)

type attemptListResponse struct {
	Items []verify.Attempt `json:"items"`
	Total int              `json:"total"`
}

type auditListResponse struct {
	Items []audit.Entry `json:"items"`
	Total int           `json:"total"`
}

func (a *API) handleVerificationLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q, ok := attemptQueryFromRequest(w, r)
	if !ok {
		return
	}

	items, total, err := a.attempts.List(r.Context(), q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []verify.Attempt{}
	}
	writeJSON(w, http.StatusOK, attemptListResponse{Items: items, Total: total})
}

// handleVerificationExport streams the attempt log as CSV for reporting.
func (a *API) handleVerificationExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q, ok := attemptQueryFromRequest(w, r)
	if !ok {
		return
	}

	items, _, err := a.attempts.List(r.Context(), q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		`attachment; filename="verification-log-`+time.Now().UTC().Format("2006-01-02")+`.csv"`)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "student_id", "scanned_at", "ip", "user_agent", "lat", "lng", "result", "note"})
	for _, it := range items {
		studentID := ""
		if it.StudentID != nil {
			studentID = *it.StudentID
		}
		lat, lng := "", ""
		if it.Lat != nil {
			lat = strconv.FormatFloat(*it.Lat, 'f', -1, 64)
		}
		if it.Lng != nil {
			lng = strconv.FormatFloat(*it.Lng, 'f', -1, 64)
		}
		_ = cw.Write([]string{
			it.ID, studentID, it.ScannedAt.UTC().Format(time.RFC3339),
			it.IP, it.UserAgent, lat, lng, it.Result, it.Note,
		})
	}
	cw.Flush()
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	items, total, err := a.trail.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditListResponse{Items: items, Total: total})
}

func attemptQueryFromRequest(w http.ResponseWriter, r *http.Request) (verify.AttemptQuery, bool) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
		return verify.AttemptQuery{}, false
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return verify.AttemptQuery{}, false
	}
	result := r.URL.Query().Get("result")
	switch result {
	case "", string(verify.DispositionSuccess), string(verify.DispositionExpired),
		string(verify.DispositionSuspended), string(verify.DispositionInvalid):
	default:
		writeError(w, r, http.StatusBadRequest, "unknown result filter")
		return verify.AttemptQuery{}, false
	}
	return verify.AttemptQuery{Result: result, Limit: limit, Offset: offset}, true
}
