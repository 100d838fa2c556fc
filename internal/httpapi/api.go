package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/obs"
	"campusid.org/internal/registry"
	"campusid.org/internal/stream"
	"campusid.org/internal/verify"
)

// ReadyProbe reports whether downstream storage is reachable. With no
// database attached the service is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the collaborators the HTTP layer exposes.
type Config struct {
	Students  *registry.Service
	Verifier  *verify.Verifier
	Attempts  verify.AttemptLog
	Trail     audit.Trail
	Auth      *auth.Service
	Stream    *stream.Stream
	Probe     ReadyProbe
	Version   string
	UploadDir string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	students   *registry.Service
	verifier   *verify.Verifier
	attempts   verify.AttemptLog
	trail      audit.Trail
	auth       *auth.Service
	stream     *stream.Stream
	readyProbe ReadyProbe
	version    string
	uploadDir  string
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		students:   cfg.Students,
		verifier:   cfg.Verifier,
		attempts:   cfg.Attempts,
		trail:      cfg.Trail,
		auth:       cfg.Auth,
		stream:     cfg.Stream,
		readyProbe: cfg.Probe,
		version:    cfg.Version,
		uploadDir:  cfg.UploadDir,
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// public verification endpoint scanned QR codes resolve to
	a.mux.HandleFunc("/verify/", a.handleVerify)

	// admin surface
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/students", a.handleStudentsCollection)
	a.mux.HandleFunc("/v1/students/", a.handleStudentResource)
	a.mux.HandleFunc("/v1/logs/verifications", a.handleVerificationLog)
	a.mux.HandleFunc("/v1/logs/verifications/export", a.handleVerificationExport)
	a.mux.HandleFunc("/v1/logs/verifications/stream", a.ScanStream)
	a.mux.HandleFunc("/v1/logs/audit", a.handleAuditLog)

	// uploaded card photos
	if a.uploadDir != "" {
		a.mux.Handle("/uploads/", http.StripPrefix("/uploads/",
			http.FileServer(http.Dir(a.uploadDir))))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with metrics instrumentation.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "campusid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func handleRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrRegNoExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
