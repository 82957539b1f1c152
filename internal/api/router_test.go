package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adamscao/fairaudit/internal/api/handlers"
	"github.com/adamscao/fairaudit/internal/api/middleware"
	"github.com/adamscao/fairaudit/internal/auth"
	"github.com/adamscao/fairaudit/internal/ca"
	"github.com/adamscao/fairaudit/internal/config"
	"github.com/adamscao/fairaudit/internal/coordinator"
	"github.com/adamscao/fairaudit/internal/db"
	"github.com/adamscao/fairaudit/internal/db/repository"
	"github.com/adamscao/fairaudit/internal/engine"
	"github.com/adamscao/fairaudit/internal/issuer"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/adamscao/fairaudit/internal/policy"
	"github.com/adamscao/fairaudit/internal/ratelimit"
	"github.com/adamscao/fairaudit/internal/sweeper"
	"github.com/adamscao/fairaudit/internal/verifier"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "test-admin-token"

	loanCSV = `label,prediction,perturbed_prediction,gender
1,1,1,f
1,0,0,f
0,0,1,f
0,1,1,f
1,1,1,m
1,1,1,m
0,0,0,m
0,0,0,m
`
)

type testServer struct {
	server *Server
	db     *db.DB
	certs  *repository.CertRepository
	events *repository.AuditRepository
	keys   *ca.KeyPair
}

func newTestServer(t *testing.T, mutate func(*config.Config, *Deps)) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Admin.Token = adminToken
	cfg.Upload.MaxBytes = 1 << 20

	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.RunMigrations(ctx, database))

	keys, _, err := ca.GenerateKeyPair("ed25519")
	require.NoError(t, err)

	certs := repository.NewCertRepository(database.DB)
	jobs := repository.NewJobRepository(database.DB)
	events := repository.NewAuditRepository(database.DB)

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Workers = 2
	coord := coordinator.New(coordCfg, engine.NewTabular(), jobs,
		issuer.New(keys, certs, 0, 1), policy.NewValidator(cfg.Upload.MaxBytes), events)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)

	deps := Deps{
		KeyPair:     keys,
		Coordinator: coord,
		Certs:       certs,
		Events:      events,
		Verifier:    verifier.New(certs, keys.PublicKey, events),
		Sweeper:     sweeper.New(sweeper.Config{}, certs, jobs, events),
		Version:     "test",
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	return &testServer{
		server: NewServer(cfg, deps),
		db:     database,
		certs:  certs,
		events: events,
		keys:   keys,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.server.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func jsonSubmission(data string) handlers.SubmitRequest {
	return handlers.SubmitRequest{
		ModelName:        "LoanApproval-v3",
		Organization:     "FinBank",
		BiasTypes:        []string{"gender"},
		EncryptionMethod: "homomorphic",
		Priority:         "quantum",
		Dataset:          &handlers.FilePayload{Name: "loans.csv", Content: []byte(data)},
	}
}

func (s *testServer) waitCompleted(t *testing.T, id string) handlers.AuditStatusResponse {
	t.Helper()
	var resp handlers.AuditStatusResponse
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/v1/audit/"+id, nil, nil)
		if w.Code != http.StatusOK {
			return false
		}
		resp = handlers.AuditStatusResponse{}
		decode(t, w, &resp)
		return resp.Status == models.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
	return resp
}

func (s *testServer) issueCertificate(t *testing.T) handlers.AuditStatusResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/audit", jsonSubmission(loanCSV), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted handlers.SubmitResponse
	decode(t, w, &submitted)
	return s.waitCompleted(t, submitted.AuditID)
}

func TestAuditToVerificationRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/audit", jsonSubmission(loanCSV), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted handlers.SubmitResponse
	decode(t, w, &submitted)
	assert.NotEmpty(t, submitted.AuditID)
	assert.NotEmpty(t, submitted.SubmissionID)
	assert.Len(t, submitted.Fingerprint, 64)
	assert.Contains(t, []string{"queued", "processing", "completed"}, submitted.Status)

	status := s.waitCompleted(t, submitted.AuditID)
	require.NotNil(t, status.Results)
	assert.Equal(t, models.ClassWarn, status.Results.Classification)
	assert.InDelta(t, 0.5, status.Results.Metrics.BiasScore, 1e-9)
	require.NotEmpty(t, status.Results.CertificateID)
	require.NotEmpty(t, status.Results.CertificateHash)

	// Verify by hash, case-insensitively
	w = s.do(t, http.MethodPost, "/v1/verify", gin.H{"hash": strings.ToUpper(status.Results.CertificateHash)}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result models.VerificationResult
	decode(t, w, &result)
	assert.True(t, result.Found)
	assert.True(t, result.Valid)
	assert.Equal(t, models.CertValid, result.Status)

	// Strict verification of an untouched certificate passes
	w = s.do(t, http.MethodPost, "/v1/verify", gin.H{"hash": status.Results.CertificateHash, "strict": true}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Certificate lookup exposes public fields only
	w = s.do(t, http.MethodGet, "/v1/certificates/"+status.Results.CertificateID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "PRIVATE KEY")
	var cert models.Certificate
	decode(t, w, &cert)
	assert.Equal(t, "FinBank", cert.Organization)

	// Search
	w = s.do(t, http.MethodGet, "/v1/certificates?search=loan&status=valid", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list handlers.CertListResponse
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	w = s.do(t, http.MethodGet, "/v1/certificates?status=revoked", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = handlers.CertListResponse{}
	decode(t, w, &list)
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Certificates)

	// Same bytes again reuse the certified result
	w = s.do(t, http.MethodPost, "/v1/audit", jsonSubmission(loanCSV), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reused handlers.SubmitResponse
	decode(t, w, &reused)
	assert.True(t, reused.Reused)
	assert.Equal(t, submitted.AuditID, reused.AuditID)
}

func TestSubmitMultipart(t *testing.T) {
	s := newTestServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("model_name", "HR-Screener"))
	require.NoError(t, mw.WriteField("organization", "TechCorp"))
	require.NoError(t, mw.WriteField("bias_types", "gender"))
	require.NoError(t, mw.WriteField("priority", "quantum"))
	require.NoError(t, mw.WriteField("encryption_method", "federated"))
	fw, err := mw.CreateFormFile("dataset", "data.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(loanCSV))
	require.NoError(t, err)
	fw, err = mw.CreateFormFile("model", "screener.onnx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("weights"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/audit", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted handlers.SubmitResponse
	decode(t, w, &submitted)
	status := s.waitCompleted(t, submitted.AuditID)
	assert.Equal(t, models.PriorityQuantum, status.Priority)

	// The model bytes are part of the fingerprint
	w = s.do(t, http.MethodPost, "/v1/audit", jsonSubmission(loanCSV), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var other handlers.SubmitResponse
	decode(t, w, &other)
	assert.NotEqual(t, submitted.Fingerprint, other.Fingerprint)
}

func TestSubmitValidationErrors(t *testing.T) {
	s := newTestServer(t, nil)

	cases := map[string]func(r *handlers.SubmitRequest){
		"no bias types":      func(r *handlers.SubmitRequest) { r.BiasTypes = nil },
		"unknown bias type":  func(r *handlers.SubmitRequest) { r.BiasTypes = []string{"zodiac"} },
		"unknown encryption": func(r *handlers.SubmitRequest) { r.EncryptionMethod = "rot13" },
		"empty encryption":   func(r *handlers.SubmitRequest) { r.EncryptionMethod = "" },
		"bad priority":       func(r *handlers.SubmitRequest) { r.Priority = "urgent" },
		"missing dataset":    func(r *handlers.SubmitRequest) { r.Dataset = nil },
		"empty dataset":      func(r *handlers.SubmitRequest) { r.Dataset.Content = nil },
		"missing model name": func(r *handlers.SubmitRequest) { r.ModelName = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := jsonSubmission(loanCSV)
			mutate(&req)
			w := s.do(t, http.MethodPost, "/v1/audit", req, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := s.do(t, http.MethodGet, "/v1/admin/stats", nil, map[string]string{middleware.HeaderAdminToken: adminToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"certificates":{}`)
}

func TestSubmitTooLarge(t *testing.T) {
	s := newTestServer(t, nil)

	req := jsonSubmission(strings.Repeat("x", 3<<20))
	w := s.do(t, http.MethodPost, "/v1/audit", req, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestFailedAuditReportsError(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/audit", jsonSubmission("label,prediction\n1,1\n"), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var submitted handlers.SubmitResponse
	decode(t, w, &submitted)

	var resp handlers.AuditStatusResponse
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/v1/audit/"+submitted.AuditID, nil, nil)
		resp = handlers.AuditStatusResponse{}
		decode(t, w, &resp)
		return resp.Status == models.JobFailed
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Results)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/v1/audit/nope", "/v1/certificates/cert_999999_deadbeef"} {
		w := s.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := s.do(t, http.MethodDelete, "/v1/audit/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/verify", gin.H{"hash": "0x" + strings.Repeat("0", 64)}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result models.VerificationResult
	decode(t, w, &result)
	assert.False(t, result.Found)
}

func TestCancelFinishedAuditConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	status := s.issueCertificate(t)

	w := s.do(t, http.MethodDelete, "/v1/audit/"+status.AuditID, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStrictVerifyReportsTampering(t *testing.T) {
	s := newTestServer(t, nil)
	status := s.issueCertificate(t)

	_, err := s.db.ExecContext(context.Background(),
		`UPDATE certificates SET classification = 'pass' WHERE id = ?`, status.Results.CertificateID)
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/v1/verify", gin.H{"hash": status.Results.CertificateHash, "strict": true}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp handlers.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, "tampered_certificate", resp.Error)
	assert.Contains(t, resp.Message, "content hash mismatch")
}

func TestAdminRevoke(t *testing.T) {
	s := newTestServer(t, nil)
	status := s.issueCertificate(t)
	path := "/v1/admin/certificates/" + status.Results.CertificateID + "/revoke"
	body := gin.H{"reason": "model retrained"}

	w := s.do(t, http.MethodPost, path, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, path, body, map[string]string{middleware.HeaderAdminToken: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := map[string]string{middleware.HeaderAdminToken: adminToken}
	w = s.do(t, http.MethodPost, path, nil, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, path, body, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cert models.Certificate
	decode(t, w, &cert)
	assert.Equal(t, models.CertRevoked, cert.Status)

	// Revoked is terminal
	w = s.do(t, http.MethodPost, path, body, admin)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/verify", gin.H{"hash": status.Results.CertificateHash}, nil)
	var result models.VerificationResult
	decode(t, w, &result)
	assert.True(t, result.Found)
	assert.False(t, result.Valid)
	assert.Equal(t, models.CertRevoked, result.Status)

	logs, err := s.events.List(context.Background(), repository.AuditLogQuery{Action: models.ActionAdminAuthFailed})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	w = s.do(t, http.MethodGet, "/v1/admin/events?action="+models.ActionCertRevoke, nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestAdminRequiresTOTPWhenConfigured(t *testing.T) {
	secret, _, err := auth.GenerateTOTPSecret("")
	require.NoError(t, err)
	s := newTestServer(t, func(cfg *config.Config, _ *Deps) { cfg.Admin.TOTPSecret = secret })

	w := s.do(t, http.MethodPost, "/v1/admin/sweep", nil, map[string]string{middleware.HeaderAdminToken: adminToken})
	assert.Equal(t, http.StatusForbidden, w.Code)

	code, err := auth.GenerateTOTPCode(secret, time.Now())
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/v1/admin/sweep", nil, map[string]string{
		middleware.HeaderAdminToken: adminToken,
		middleware.HeaderAdminTOTP:  code,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp handlers.SweepResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.Report)
	assert.Equal(t, 0, resp.Report.Expired)
}

func TestPublicKeyAndHealth(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/v1/ca/public-key", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "ssh-ed25519 "))
	assert.Equal(t, s.keys.Fingerprint, w.Header().Get("X-Key-Fingerprint"))

	w = s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, d *Deps) {
		d.Limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{RequestsPerMinute: 1, Burst: 1})
	})

	w := s.do(t, http.MethodGet, "/v1/ca/public-key", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("RateLimit-Limit"))

	w = s.do(t, http.MethodGet, "/v1/ca/public-key", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Health stays outside the limited group
	w = s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuditEventStream(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.server.Router())
	defer srv.Close()

	w := s.do(t, http.MethodPost, "/v1/audit", jsonSubmission(loanCSV), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var submitted handlers.SubmitResponse
	decode(t, w, &submitted)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/audit/" + submitted.AuditID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var last handlers.AuditStatusResponse
	for last.Status != models.JobCompleted {
		last = handlers.AuditStatusResponse{}
		require.NoError(t, conn.ReadJSON(&last))
		assert.Equal(t, submitted.AuditID, last.AuditID)
	}
	require.NotNil(t, last.Results)

	// The server closes the stream once the job is finished
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}
