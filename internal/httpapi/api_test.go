package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/credential"
	"campusid.org/internal/registry"
	"campusid.org/internal/verify"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("CAMPUSID_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	signer := credential.NewSigner("qr-test-secret")
	encoder := credential.NewEncoder(signer, "https://id.campus.test")
	trail := audit.NewInMemoryTrail()
	store := registry.NewInMemoryStore(trail)
	students := registry.NewService(store, encoder, 0)
	attempts := verify.NewInMemoryAttempts()
	verifier := verify.NewVerifier(signer, store, attempts)

	admins := auth.NewInMemoryAdmins()
	authSvc := auth.NewService(admins)
	if _, err := authSvc.EnsureAdmin(context.Background(), "Root", "root@campus.test", "hunter22", auth.RoleSuperAdmin); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}

	api := New(Config{
		Students: students,
		Verifier: verifier,
		Attempts: attempts,
		Trail:    trail,
		Auth:     authSvc,
		Version:  "test",
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) login() string {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"email":    "root@campus.test",
		"password": "hunter22",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	var payload loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.login()}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.get("/readyz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginRejectsBadPassword(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/auth/login", map[string]any{
		"email":    "root@campus.test",
		"password": "wrong",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminSurfaceRequiresToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/students", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestStudentLifecycleFlow(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders()

	resp := c.post("/v1/students", map[string]any{
		"reg_no":     "CS-2026-001",
		"name":       "Ada Okafor",
		"department": "Computer Science",
		"year":       "3",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	created := decode[studentResponse](t, resp)
	if created.Student.ID == "" || created.Card == nil {
		t.Fatalf("incomplete create response: %+v", created)
	}
	if !strings.HasPrefix(created.Card.URL, "https://id.campus.test/verify/") {
		t.Fatalf("unexpected verify url: %s", created.Card.URL)
	}
	if !strings.HasPrefix(created.Card.QRDataURL, "data:image/png;base64,") {
		t.Fatalf("unexpected qr payload: %.40s", created.Card.QRDataURL)
	}
	id := created.Student.ID

	// duplicate registration number
	resp = c.post("/v1/students", map[string]any{
		"reg_no": "CS-2026-001",
		"name":   "Another",
	}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate reg_no status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// public verification of a fresh card succeeds
	token := strings.TrimPrefix(created.Card.URL, "https://id.campus.test")
	resp = c.get(token, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	result := decode[verify.Result](t, resp)
	if result.Disposition != verify.DispositionSuccess {
		t.Fatalf("expected success, got %s", result.Disposition)
	}
	if result.Student == nil || result.Student.RegNo != "CS-2026-001" {
		t.Fatalf("missing student summary: %+v", result.Student)
	}

	// reissue rotates the credential; old token stops verifying
	resp = c.post("/v1/students/"+id+"/reissue", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reissue status: %d", resp.StatusCode)
	}
	reissued := decode[studentResponse](t, resp)
	if reissued.Card == nil || reissued.Card.URL == created.Card.URL {
		t.Fatalf("reissue did not rotate credential")
	}

	resp = c.get(token, nil, nil)
	result = decode[verify.Result](t, resp)
	if result.Disposition != verify.DispositionInvalid {
		t.Fatalf("old token should be invalid, got %s", result.Disposition)
	}

	// suspension wins over validity
	resp = c.post("/v1/students/"+id+"/deactivate", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	newToken := strings.TrimPrefix(reissued.Card.URL, "https://id.campus.test")
	resp = c.get(newToken, nil, nil)
	result = decode[verify.Result](t, resp)
	if result.Disposition != verify.DispositionSuspended {
		t.Fatalf("expected suspended, got %s", result.Disposition)
	}

	resp = c.post("/v1/students/"+id+"/reactivate", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reactivate status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// verification log captured every scan
	resp = c.get("/v1/logs/verifications", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log status: %d", resp.StatusCode)
	}
	logPage := decode[attemptListResponse](t, resp)
	if logPage.Total != 3 {
		t.Fatalf("expected 3 attempts, got %d", logPage.Total)
	}

	// audit trail recorded the lifecycle
	resp = c.get("/v1/logs/audit", nil, headers)
	auditPage := decode[auditListResponse](t, resp)
	if auditPage.Total < 4 {
		t.Fatalf("expected at least 4 audit entries, got %d", auditPage.Total)
	}
	for _, e := range auditPage.Items {
		if e.ActorEmail != "root@campus.test" {
			t.Fatalf("audit entry missing actor: %+v", e)
		}
	}
}

func TestVerifyMalformedToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/verify/not-a-token", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status: %d", resp.StatusCode)
	}
	result := decode[verify.Result](t, resp)
	if result.Disposition != verify.DispositionInvalid {
		t.Fatalf("expected invalid, got %s", result.Disposition)
	}
	if result.Student != nil {
		t.Fatalf("invalid result must not leak a record")
	}
}

func TestSoftDeleteHidesStudent(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders()

	resp := c.post("/v1/students", map[string]any{
		"reg_no": "EE-2026-042",
		"name":   "Grace Mwangi",
	}, headers)
	created := decode[studentResponse](t, resp)
	id := created.Student.ID

	resp = c.do(http.MethodDelete, "/v1/students/"+id, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.get("/v1/students/"+id, nil, headers)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// the deleted student's card no longer verifies
	token := strings.TrimPrefix(created.Card.URL, "https://id.campus.test")
	resp = c.get(token, nil, nil)
	result := decode[verify.Result](t, resp)
	if result.Disposition != verify.DispositionInvalid {
		t.Fatalf("expected invalid, got %s", result.Disposition)
	}
}

func TestRenewWithExplicitExpiry(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders()

	resp := c.post("/v1/students", map[string]any{
		"reg_no": "ME-2026-007",
		"name":   "Tomas Ruiz",
	}, headers)
	created := decode[studentResponse](t, resp)
	id := created.Student.ID

	resp = c.post("/v1/students/"+id+"/renew", map[string]any{
		"expires_at": "2030-01-01T00:00:00Z",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renew status: %d", resp.StatusCode)
	}
	renewed := decode[studentResponse](t, resp)
	if got := renewed.Student.Credential.ExpiresAt.UTC().Format("2006-01-02"); got != "2030-01-01" {
		t.Fatalf("unexpected expiry: %s", got)
	}
}

func TestCSVExport(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders()

	resp := c.get("/verify/garbage", nil, nil)
	resp.Body.Close()

	resp = c.get("/v1/logs/verifications/export", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status: %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "invalid") {
		t.Fatalf("expected invalid attempt in export: %s", lines[1])
	}
}

func TestMetadataPatch(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders()

	resp := c.post("/v1/students", map[string]any{
		"reg_no": "BI-2026-003",
		"name":   "Lena Fischer",
	}, headers)
	created := decode[studentResponse](t, resp)

	resp = c.do(http.MethodPatch, "/v1/students/"+created.Student.ID+"/metadata", map[string]any{
		"metadata": map[string]string{"hostel": "B4"},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata status: %d", resp.StatusCode)
	}
	updated := decode[studentResponse](t, resp)
	if updated.Student.Metadata["hostel"] != "B4" {
		t.Fatalf("metadata not applied: %+v", updated.Student.Metadata)
	}
}
