package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/adamscao/fairaudit/internal/coordinator"
	"github.com/adamscao/fairaudit/internal/errors"
	"github.com/adamscao/fairaudit/internal/logger"
	"github.com/adamscao/fairaudit/internal/models"
	"github.com/adamscao/fairaudit/internal/policy"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket timeouts for job event streams
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// CertLookup resolves certificate ids for audit results
type CertLookup interface {
	GetByID(ctx context.Context, id string) (*models.Certificate, error)
}

// AuditHandler handles audit submission, polling, cancellation and event streams
type AuditHandler struct {
	coord    *coordinator.Coordinator
	certs    CertLookup
	maxBytes int64
	upgrader websocket.Upgrader
}

// NewAuditHandler creates a new audit handler. maxBytes bounds each uploaded file.
func NewAuditHandler(coord *coordinator.Coordinator, certs CertLookup, maxBytes int64) *AuditHandler {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &AuditHandler{
		coord:    coord,
		certs:    certs,
		maxBytes: maxBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// FilePayload is a file carried in a JSON submission. Content is base64 in JSON.
type FilePayload struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// SubmitRequest represents a JSON audit submission
type SubmitRequest struct {
	ModelName        string       `json:"model_name"`
	Organization     string       `json:"organization"`
	BiasTypes        []string     `json:"bias_types"`
	EncryptionMethod string       `json:"encryption_method"`
	Priority         string       `json:"priority"`
	Force            bool         `json:"force"`
	Dataset          *FilePayload `json:"dataset"`
	Model            *FilePayload `json:"model,omitempty"`
}

// SubmitResponse represents an audit submission response
type SubmitResponse struct {
	AuditID       string `json:"audit_id"`
	SubmissionID  string `json:"submission_id"`
	Fingerprint   string `json:"fingerprint"`
	Status        string `json:"status"`
	Attempt       int    `json:"attempt"`
	Attached      bool   `json:"attached,omitempty"`
	Reused        bool   `json:"reused,omitempty"`
	CertificateID string `json:"certificate_id,omitempty"`
}

// AuditResults is present on completed jobs only
type AuditResults struct {
	Metrics         models.MetricsVector      `json:"metrics"`
	GroupMetrics    []models.GroupMetric      `json:"group_metrics"`
	Classification  models.Classification     `json:"classification"`
	Adversarial     *models.AdversarialReport `json:"adversarial,omitempty"`
	Explanation     string                    `json:"explanation,omitempty"`
	CertificateID   string                    `json:"certificate_id,omitempty"`
	CertificateHash string                    `json:"certificate_hash,omitempty"`
}

// AuditStatusResponse represents the polled state of an audit
type AuditStatusResponse struct {
	AuditID      string           `json:"audit_id"`
	SubmissionID string           `json:"submission_id"`
	Status       models.JobStatus `json:"status"`
	Priority     models.Priority  `json:"priority"`
	Attempt      int              `json:"attempt"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Results      *AuditResults    `json:"results,omitempty"`
}

// SubmitAudit accepts a multipart or JSON submission and enqueues it
// POST /v1/audit
func (h *AuditHandler) SubmitAudit(c *gin.Context) {
	// Two artifacts plus form fields
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*h.maxBytes+1<<20)

	var (
		sub   *models.AuditSubmission
		force bool
		err   error
	)
	if c.ContentType() == "multipart/form-data" {
		sub, force, err = h.fromMultipart(c)
	} else {
		sub, force, err = h.fromJSON(c)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(c, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
			return
		}
		RespondDomainError(c, err)
		return
	}

	res, err := h.coord.Submit(c.Request.Context(), sub, coordinator.SubmitOptions{Force: force})
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	job := res.Job
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}

	c.JSON(status, SubmitResponse{
		AuditID:       job.ID,
		SubmissionID:  job.SubmissionID,
		Fingerprint:   job.Fingerprint,
		Status:        submitStatus(job.Status),
		Attempt:       job.Attempt,
		Attached:      res.Attached,
		Reused:        res.Reused,
		CertificateID: job.CertificateID,
	})
}

func (h *AuditHandler) fromJSON(c *gin.Context) (*models.AuditSubmission, bool, error) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, false, err
		}
		return nil, false, errors.Validationf("invalid request body: %v", err)
	}
	if req.Dataset == nil {
		return nil, false, errors.Validationf("dataset is required")
	}

	sub, err := buildSubmission(req.ModelName, req.Organization, req.BiasTypes, req.EncryptionMethod, req.Priority)
	if err != nil {
		return nil, false, err
	}
	sub.Dataset = models.Artifact{Name: req.Dataset.Name, Data: req.Dataset.Content}
	if req.Model != nil {
		sub.Model = &models.Artifact{Name: req.Model.Name, Data: req.Model.Content}
	}
	return sub, req.Force, nil
}

func (h *AuditHandler) fromMultipart(c *gin.Context) (*models.AuditSubmission, bool, error) {
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, false, err
		}
		return nil, false, errors.Validationf("invalid multipart form: %v", err)
	}

	sub, err := buildSubmission(
		c.PostForm("model_name"),
		c.PostForm("organization"),
		form.Value["bias_types"],
		c.PostForm("encryption_method"),
		c.PostForm("priority"),
	)
	if err != nil {
		return nil, false, err
	}

	force := false
	if v := c.PostForm("force"); v != "" {
		if force, err = strconv.ParseBool(v); err != nil {
			return nil, false, errors.Validationf("invalid force flag %q", v)
		}
	}

	dataset, err := h.readFile(form.File["dataset"], "dataset")
	if err != nil {
		return nil, false, err
	}
	if dataset == nil {
		return nil, false, errors.Validationf("dataset file is required")
	}
	sub.Dataset = *dataset

	if sub.Model, err = h.readFile(form.File["model"], "model"); err != nil {
		return nil, false, err
	}
	return sub, force, nil
}

func (h *AuditHandler) readFile(files []*multipart.FileHeader, field string) (*models.Artifact, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, errors.Validationf("only one %s file is allowed", field)
	}

	fh := files[0]
	if fh.Size > h.maxBytes {
		return nil, errors.Validationf("%s exceeds %d bytes", field, h.maxBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s upload", field)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s upload", field)
	}
	return &models.Artifact{Name: fh.Filename, Data: data}, nil
}

func buildSubmission(modelName, organization string, biasTypes []string, encryption, priority string) (*models.AuditSubmission, error) {
	categories, err := policy.ParseBiasCategories(biasTypes)
	if err != nil {
		return nil, err
	}
	method, err := policy.ParseEncryption(encryption)
	if err != nil {
		return nil, err
	}
	prio, err := policy.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	return &models.AuditSubmission{
		ModelName:        modelName,
		Organization:     organization,
		BiasCategories:   categories,
		EncryptionMethod: method,
		Priority:         prio,
	}, nil
}

func submitStatus(s models.JobStatus) string {
	if s == models.JobRunning {
		return "processing"
	}
	return string(s)
}

// GetAudit returns the state of an audit job
// GET /v1/audit/:id
func (h *AuditHandler) GetAudit(c *gin.Context) {
	job, err := h.coord.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	RespondSuccess(c, h.statusResponse(c.Request.Context(), job))
}

// CancelAudit cancels a queued or running job
// DELETE /v1/audit/:id
func (h *AuditHandler) CancelAudit(c *gin.Context) {
	job, err := h.coord.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	RespondSuccess(c, h.statusResponse(c.Request.Context(), job))
}

func (h *AuditHandler) statusResponse(ctx context.Context, job *models.AuditJob) AuditStatusResponse {
	resp := AuditStatusResponse{
		AuditID:      job.ID,
		SubmissionID: job.SubmissionID,
		Status:       job.Status,
		Priority:     job.Priority,
		Attempt:      job.Attempt,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}

	if job.Status != models.JobCompleted || job.Metrics == nil {
		return resp
	}

	results := &AuditResults{
		Metrics:        *job.Metrics,
		GroupMetrics:   job.GroupMetrics,
		Classification: job.Classification,
		Adversarial:    job.Adversarial,
		Explanation:    job.Explanation,
		CertificateID:  job.CertificateID,
	}
	if job.CertificateID != "" && h.certs != nil {
		if cert, err := h.certs.GetByID(ctx, job.CertificateID); err == nil {
			results.CertificateHash = cert.Hash
		}
	}
	resp.Results = results
	return resp
}

// StreamEvents pushes job updates over a websocket until the job finishes
// GET /v1/audit/:id/events
func (h *AuditHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	job, err := h.coord.Get(c.Request.Context(), id)
	if err != nil {
		RespondDomainError(c, err)
		return
	}

	// Subscribe before upgrading so no transition is missed
	updates := h.coord.Subscribe()
	defer h.coord.Unsubscribe(updates)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ComponentLogger("api").Warnw("WebSocket upgrade failed", logger.FieldJobID, id, logger.FieldError, err)
		return
	}
	defer conn.Close()

	// Reader detects client disconnects and keeps pong deadlines fresh
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(j *models.AuditJob) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(h.statusResponse(c.Request.Context(), j))
	}

	// The job may have moved on between Get and Subscribe
	if latest, err := h.coord.Get(c.Request.Context(), id); err == nil {
		job = latest
	}
	if err := send(job); err != nil || job.Status.Finished() {
		h.closeStream(conn)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update := <-updates:
			if update.ID != id {
				continue
			}
			if err := send(update); err != nil {
				return
			}
			if update.Status.Finished() {
				h.closeStream(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *AuditHandler) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
