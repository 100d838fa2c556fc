package httpapi

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"campusid.org/internal/audit"
	"campusid.org/internal/credential"
	"campusid.org/internal/ids"
	"campusid.org/internal/registry"
)

type createStudentRequest struct {
	RegNo      string            `json:"reg_no"`
	Name       string            `json:"name"`
	Department string            `json:"department"`
	Year       string            `json:"year"`
	Email      string            `json:"email"`
	Phone      string            `json:"phone"`
	Password   string            `json:"password"`
	Metadata   map[string]string `json:"metadata"`
	ExpiresAt  *time.Time        `json:"expires_at"`
}

type renewRequest struct {
	ExpiresAt       *time.Time `json:"expires_at"`
	ExtendByMinutes int        `json:"extend_by_minutes"`
}

type metadataRequest struct {
	Metadata map[string]string `json:"metadata"`
}

type cardResponse struct {
	URL       string `json:"url"`
	QRDataURL string `json:"qr_data_url"`
}

type studentResponse struct {
	Student registry.Student `json:"student"`
	Card    *cardResponse    `json:"card,omitempty"`
}

type listStudentsResponse struct {
	Items []registry.Student `json:"items"`
	Total int                `json:"total"`
}

func cardPayload(issued credential.Issued) *cardResponse {
	return &cardResponse{
		URL:       issued.URL,
		QRDataURL: issued.DataURL(),
	}
}

func (a *API) actor(r *http.Request) (audit.Actor, bool) {
	id, email, ok := actorFromContext(r.Context())
	if !ok {
		return audit.Actor{}, false
	}
	return audit.Actor{ID: id, Email: email}, true
}

func (a *API) handleStudentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createStudent(w, r)
	case http.MethodGet:
		a.listStudents(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleStudentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/students/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getStudent(w, r, id)
		case http.MethodDelete:
			a.softDeleteStudent(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
		}
	case "reissue":
		a.postAction(w, r, id, a.reissueCard)
	case "deactivate":
		a.postAction(w, r, id, a.deactivateStudent)
	case "reactivate":
		a.postAction(w, r, id, a.reactivateStudent)
	case "renew":
		a.postAction(w, r, id, a.renewCard)
	case "photo":
		a.postAction(w, r, id, a.uploadPhoto)
	case "metadata":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.updateMetadata(w, r, id)
	case "card":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getCard(w, r, id)
	case "permanent":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.permanentDeleteStudent(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) postAction(w http.ResponseWriter, r *http.Request, id string, fn func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	fn(w, r, id)
}

func (a *API) createStudent(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createStudentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RegNo) == "" {
		writeError(w, r, http.StatusBadRequest, "reg_no is required")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	st, issued, err := a.students.Create(r.Context(), actor, registry.NewStudent{
		RegNo:        strings.TrimSpace(req.RegNo),
		Name:         strings.TrimSpace(req.Name),
		Department:   strings.TrimSpace(req.Department),
		Year:         strings.TrimSpace(req.Year),
		Email:        strings.TrimSpace(req.Email),
		Phone:        strings.TrimSpace(req.Phone),
		Password:     req.Password,
		Metadata:     req.Metadata,
		CustomExpiry: req.ExpiresAt,
	})
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/students/"+st.ID)
	writeJSON(w, http.StatusCreated, studentResponse{Student: st, Card: cardPayload(issued)})
}

func (a *API) listStudents(w http.ResponseWriter, r *http.Request) {
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

	items, total, err := a.students.List(r.Context(), registry.ListQuery{
		Search: r.URL.Query().Get("search"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	if items == nil {
		items = []registry.Student{}
	}
	writeJSON(w, http.StatusOK, listStudentsResponse{Items: items, Total: total})
}

func (a *API) getStudent(w http.ResponseWriter, r *http.Request, id string) {
	st, err := a.students.Get(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

func (a *API) getCard(w http.ResponseWriter, r *http.Request, id string) {
	st, issued, err := a.students.CurrentCard(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st, Card: cardPayload(issued)})
}

func (a *API) reissueCard(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	st, issued, err := a.students.Reissue(r.Context(), actor, id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st, Card: cardPayload(issued)})
}

func (a *API) deactivateStudent(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	st, err := a.students.Suspend(r.Context(), actor, id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

func (a *API) reactivateStudent(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	st, err := a.students.Reactivate(r.Context(), actor, id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

func (a *API) renewCard(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	// An empty body renews by the default window.
	var req renewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.ExtendByMinutes < 0 {
		writeError(w, r, http.StatusBadRequest, "extend_by_minutes must be >= 0")
		return
	}

	st, err := a.students.Renew(r.Context(), actor, id, registry.RenewRequest{
		ExpiresAt: req.ExpiresAt,
		ExtendBy:  time.Duration(req.ExtendByMinutes) * time.Minute,
	})
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

func (a *API) updateMetadata(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req metadataRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	st, err := a.students.UpdateMetadata(r.Context(), actor, id, req.Metadata)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

const maxPhotoBytes = 5 << 20

func (a *API) uploadPhoto(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if a.uploadDir == "" {
		writeError(w, r, http.StatusNotImplemented, "photo uploads are not configured")
		return
	}

	if err := r.ParseMultipartForm(maxPhotoBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "photo file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
	default:
		writeError(w, r, http.StatusBadRequest, "unsupported photo format")
		return
	}

	name := ids.New() + ext
	dst, err := os.Create(filepath.Join(a.uploadDir, name))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not store photo")
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(file, maxPhotoBytes)); err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not store photo")
		return
	}

	st, err := a.students.SetPhoto(r.Context(), actor, id, "/uploads/"+name)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentResponse{Student: st})
}

func (a *API) softDeleteStudent(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.students.SoftDelete(r.Context(), actor, id); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (a *API) permanentDeleteStudent(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := a.actor(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.students.PermanentDelete(r.Context(), actor, id); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "permanently_deleted"})
}
