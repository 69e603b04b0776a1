package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/byok-gateway/internal/audit"
	"github.com/kenneth/byok-gateway/internal/certcache"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/middleware"
	"github.com/kenneth/byok-gateway/internal/saga"
	"github.com/kenneth/byok-gateway/internal/signature"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

// KeyOperator runs the import and rotate pipelines.
type KeyOperator interface {
	Import(ctx context.Context, req saga.Request) saga.Outcome
	Rotate(ctx context.Context, req saga.Request) saga.Outcome
}

// CertificateRecorder observes certificate installs.
type CertificateRecorder interface {
	RecordCertificateUpdate(source string, err error)
}

// Options wires a Handler. Audit and Metrics may be nil.
type Options struct {
	Keys            KeyOperator
	KMS             kms.Service
	Certificates    *certcache.Cache
	TimestampFormat signature.TimestampFormat
	AdminAPIKey     string
	Audit           audit.Logger
	Metrics         CertificateRecorder
	Logger          *logrus.Logger
}

// Handler handles HTTP requests for key transfer operations.
type Handler struct {
	keys        KeyOperator
	kms         kms.Service
	certs       *certcache.Cache
	tsFormat    signature.TimestampFormat
	adminAPIKey string
	auditLogger audit.Logger
	metrics     CertificateRecorder
	logger      *logrus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = signature.FormatRFC3339
	}
	return &Handler{
		keys:        opts.Keys,
		kms:         opts.KMS,
		certs:       opts.Certificates,
		tsFormat:    opts.TimestampFormat,
		adminAPIKey: opts.AdminAPIKey,
		auditLogger: opts.Audit,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc(PathImport, h.handleImport).Methods("POST")
	r.HandleFunc(PathRotate, h.handleRotate).Methods("POST")
	r.HandleFunc(PathKEKs, h.handleGenerateKEK).Methods("POST")

	admin := r.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(middleware.AdminKeyMiddleware(h.adminAPIKey, h.logger))
	admin.HandleFunc("/certificate", h.handleUploadCertificate).Methods("PUT")
	admin.HandleFunc("/certificate", h.handleGetCertificate).Methods("GET")
}

// RouteTemplate returns the matched route template, used as a low-cardinality metrics label.
func RouteTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "healthy"})
}

// handleReady reports ready once a verification certificate is installed; until then every import
// would fail signature verification.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.certs.Get(); !ok {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{Status: "not ready", Reason: "no verification certificate"})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{Status: "ready"})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "alive"})
}

// handleImport handles POST /api/v1/keys/import.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var body KeyRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !middleware.ValidKeyName(body.Name) {
		h.writeError(w, r, withMessage(ErrInvalidRequest, "name must be 1-127 characters of letters, digits and dashes"))
		return
	}

	req, err := h.sagaRequest(r, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, r, h.keys.Import(r.Context(), req))
}

// handleRotate handles POST /api/v1/keys/{name}/rotate.
func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	var body KeyRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := mux.Vars(r)["name"]
	if body.Name != "" && body.Name != name {
		h.writeError(w, r, withMessage(ErrInvalidRequest, "name in body does not match the path"))
		return
	}
	body.Name = name

	req, err := h.sagaRequest(r, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOutcome(w, r, h.keys.Rotate(r.Context(), req))
}

// sagaRequest resolves the key source and timestamp. Everything else is checked by the saga.
func (h *Handler) sagaRequest(r *http.Request, body KeyRequest) (saga.Request, error) {
	source, err := transfer.ResolveKeySource(body.KeyEncryptionKeyID, body.EncryptedKeyBase64, body.TransferBlob)
	if err != nil {
		return saga.Request{}, err
	}
	ts, err := h.tsFormat.Parse(body.Timestamp)
	if err != nil {
		return saga.Request{}, withMessage(ErrInvalidTimestamp, err.Error())
	}
	if strings.TrimSpace(body.SignatureBase64) == "" {
		return saga.Request{}, withMessage(ErrInvalidRequest, "signature_base64 is required")
	}
	return saga.Request{
		Name:          body.Name,
		KeyOperations: body.KeyOperations,
		Timestamp:     ts,
		Signature:     body.SignatureBase64,
		Source:        source,
		ActionGroups:  body.ActionGroups,
		RequestID:     middleware.RequestID(r.Context()),
	}, nil
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out saga.Outcome) {
	if out.State != saga.StateCommitted {
		h.writeError(w, r, out.Err)
		return
	}
	writeJSON(w, http.StatusOK, out.Key)
}

// handleGenerateKEK handles POST /api/v1/keks.
func (h *Handler) handleGenerateKEK(w http.ResponseWriter, r *http.Request) {
	var body KEKRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if !middleware.ValidKeyName(body.Name) {
		h.writeError(w, r, withMessage(ErrInvalidRequest, "name must be 1-127 characters of letters, digits and dashes"))
		return
	}

	kek, err := h.kms.GenerateKEK(r.Context(), body.Name)
	if h.auditLogger != nil {
		kekID := ""
		if kek != nil {
			kekID = kek.ID
		}
		h.auditLogger.LogKEKGenerated(body.Name, kekID, middleware.RequestID(r.Context()), err)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"kek_name": kek.Name,
		"kek_id":   kek.ID,
		"key_size": kek.KeySize,
	}).Info("Generated key encryption key")
	writeJSON(w, http.StatusOK, kek)
}

// handleUploadCertificate handles PUT /api/v1/admin/certificate.
func (h *Handler) handleUploadCertificate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, bodyError(err))
		return
	}

	cert, err := certcache.Parse(data, r.Header.Get(CertificatePasswordHeader))
	if err == nil {
		err = h.certs.Add(cert)
	}
	if h.metrics != nil {
		h.metrics.RecordCertificateUpdate("upload", err)
	}
	if h.auditLogger != nil {
		subject, thumbprint := "", ""
		if cert != nil {
			subject, thumbprint = cert.Subject(), cert.Thumbprint()
		}
		h.auditLogger.LogCertificateUpdate("upload", subject, thumbprint, err)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateInfo(cert))
}

// handleGetCertificate handles GET /api/v1/admin/certificate.
func (h *Handler) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, ok := h.certs.Get()
	if !ok {
		h.writeError(w, r, ErrNoCertificateCached)
		return
	}
	writeJSON(w, http.StatusOK, certificateInfo(cert))
}

// writeError translates err and writes it. Server faults are logged with the full cause because the
// response body hides it.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.RequestID(r.Context())
	apiErr := TranslateError(err, requestID)

	entry := h.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     apiErr.HTTPStatus,
		"code":       apiErr.Code,
		"request_id": requestID,
	}).WithError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	apiErr.WriteJSON(w)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return bodyError(err)
	}
	return nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return ErrRequestTooLarge
	}
	if errors.Is(err, io.EOF) {
		return withMessage(ErrMalformedJSON, "The request body is empty.")
	}
	return withMessage(ErrMalformedJSON, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
