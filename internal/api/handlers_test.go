package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/byok-gateway/internal/alerting"
	"github.com/kenneth/byok-gateway/internal/audit"
	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/cache"
	"github.com/kenneth/byok-gateway/internal/certcache"
	"github.com/kenneth/byok-gateway/internal/crypto"
	"github.com/kenneth/byok-gateway/internal/keyops"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/middleware"
	"github.com/kenneth/byok-gateway/internal/saga"
	"github.com/kenneth/byok-gateway/internal/signature"
	"github.com/kenneth/byok-gateway/internal/testutil"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type certRecorder struct {
	sources []string
	errs    []error
}

func (c *certRecorder) RecordCertificateUpdate(source string, err error) {
	c.sources = append(c.sources, source)
	c.errs = append(c.errs, err)
}

type testEnv struct {
	router  *mux.Router
	kms     *kms.Memory
	alerts  *alerting.Memory
	certs   *certcache.Cache
	audit   audit.Logger
	certRec *certRecorder
	kek     *kms.KEKInfo
	wrapped []byte
}

type envOptions struct {
	adminKey    string
	withoutCert bool
	keys        KeyOperator
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := quietLogger()

	mem := kms.NewMemory(kms.MemoryOptions{KEKSize: 2048, VaultURL: "https://vault.test"})
	kek, err := mem.GenerateKEK(context.Background(), "transfer-kek")
	require.NoError(t, err)
	pub, err := crypto.ParseRSAPublicKeyPEM([]byte(kek.PublicKeyPEM))
	require.NoError(t, err)
	wrapped, err := crypto.NewKeyWrapper().WrapPrivateKey(pub, testutil.RSAKey(t, "customer"))
	require.NoError(t, err)

	alerts := alerting.NewMemory(true)
	alerts.AddActionGroup("oncall")

	certs := certcache.New(certcache.Options{ExpectedSubject: "CN=HSM Signer"}, logger)
	if !opts.withoutCert {
		der, _ := testutil.SelfSignedCert(t, testutil.RSAKey(t, "signer"), testutil.CertOptions{CommonName: "HSM Signer"})
		cert, err := certcache.Parse(der, "")
		require.NoError(t, err)
		require.NoError(t, certs.Add(cert))
	}

	auditLogger := audit.NewLogger(100, nil, logger)
	keys := opts.keys
	if keys == nil {
		verifier := signature.NewVerifier(certs, signature.Options{Replay: cache.NewReplayCache(20 * time.Minute)}, logger)
		keys = saga.New(saga.Config{
			KMS:       mem,
			Alerts:    alerts,
			Verifier:  verifier,
			Validator: keyops.NewValidator(nil),
			Audit:     auditLogger,
			Logger:    logger,
		})
	}

	rec := &certRecorder{}
	h := NewHandler(Options{
		Keys:         keys,
		KMS:          mem,
		Certificates: certs,
		AdminAPIKey:  opts.adminKey,
		Audit:        auditLogger,
		Metrics:      rec,
		Logger:       logger,
	})
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &testEnv{
		router:  router,
		kms:     mem,
		alerts:  alerts,
		certs:   certs,
		audit:   auditLogger,
		certRec: rec,
		kek:     kek,
		wrapped: wrapped,
	}
}

// signedRequest builds a request body signed by the "signer" key over the wrapped key and ts.
func (e *testEnv) signedRequest(t *testing.T, name string, ts time.Time) KeyRequest {
	t.Helper()
	sig, err := signature.Sign(testutil.RSAKey(t, "signer"), signature.BuildSignedPayload(e.wrapped, ts, signature.FormatRFC3339))
	require.NoError(t, err)
	return KeyRequest{
		Name:               name,
		KeyOperations:      []string{"sign", "verify"},
		Timestamp:          signature.FormatRFC3339.Format(ts),
		SignatureBase64:    sig,
		KeyEncryptionKeyID: e.kek.ID,
		EncryptedKeyBase64: base64.StdEncoding.EncodeToString(e.wrapped),
		ActionGroups:       []string{"oncall"},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleImport(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now()), nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var key kms.KeyInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	assert.Equal(t, "payments", key.Name)
	assert.Equal(t, "RSA-HSM", key.KeyType)
	assert.NotEmpty(t, key.PublicKeyPEM)

	alert, ok := env.alerts.Alert("key-alert-payments")
	require.True(t, ok)
	assert.Equal(t, key.ID, alert.KeyID)
}

func TestHandleImport_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *KeyRequest)
		code   string
		msg    string
	}{
		{
			name:   "tampered signature",
			mutate: func(r *KeyRequest) { r.Timestamp = signature.FormatRFC3339.Format(time.Now().Add(time.Minute)) },
			code:   "SignatureInvalid",
			msg:    "signature is invalid",
		},
		{
			name:   "no key source",
			mutate: func(r *KeyRequest) { r.KeyEncryptionKeyID, r.EncryptedKeyBase64 = "", "" },
			code:   "InvalidKeySource",
		},
		{
			name:   "missing action groups",
			mutate: func(r *KeyRequest) { r.ActionGroups = nil },
			code:   "MissingActionGroup",
			msg:    "at least one action group is required",
		},
		{
			name:   "invalid operations",
			mutate: func(r *KeyRequest) { r.KeyOperations = []string{"sign", "fly", "swim"} },
			code:   "InvalidKeyOperations",
			msg:    "Invalid key operations detected: fly, swim",
		},
		{
			name:   "bad timestamp",
			mutate: func(r *KeyRequest) { r.Timestamp = "yesterday" },
			code:   "InvalidTimestamp",
		},
		{
			name:   "bad name",
			mutate: func(r *KeyRequest) { r.Name = "no_underscores" },
			code:   "InvalidRequest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			body := env.signedRequest(t, "payments", time.Now())
			tt.mutate(&body)

			w := env.do(t, "POST", PathImport, body, nil)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Error.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, resp.Error.Message)
			}
			_, exists := env.kms.Key("payments")
			assert.False(t, exists)
		})
	}
}

func TestHandleImport_SuppliedBlobVerifiedAsSent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	blob := `{
		"generator": "customer hsm",
		"header": {"enc": "CKM_RSA_AES_KEY_WRAP", "alg": "dir", "kid": "` + env.kek.ID + `"},
		"ciphertext": "` + base64.RawURLEncoding.EncodeToString(env.wrapped) + `",
		"schema_version": "1.0.0",
		"hsm_serial": "A1B2"
	}`
	canonical, err := transfer.Canonicalize([]byte(blob))
	require.NoError(t, err)

	ts := time.Now()
	sig, err := signature.Sign(testutil.RSAKey(t, "signer"), signature.BuildSignedPayload(canonical, ts, signature.FormatRFC3339))
	require.NoError(t, err)
	body := `{"name":"hsm-key","key_operations":["sign"],"action_groups":["oncall"],` +
		`"timestamp":"` + signature.FormatRFC3339.Format(ts) + `","signature_base64":"` + sig + `",` +
		`"transfer_blob":` + blob + `}`

	w := env.do(t, "POST", PathImport, body, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandleImport_StaleRequest(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now().Add(-11*time.Minute)), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "request is no longer valid", decodeError(t, w).Error.Message)
}

func TestHandleImport_ReplayRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := env.signedRequest(t, "payments", time.Now())

	require.Equal(t, http.StatusOK, env.do(t, "POST", PathImport, body, nil).Code)
	// The name is not part of the signed payload, so a captured request replayed under another
	// name still carries a valid signature.
	body.Name = "payroll"
	w := env.do(t, "POST", PathImport, body, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "SignatureReplayed", decodeError(t, w).Error.Code)
	_, exists := env.kms.Key("payroll")
	assert.False(t, exists)
}

func TestHandleImport_ExistingKeyRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	require.Equal(t, http.StatusOK, env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now()), nil).Code)
	before, ok := env.kms.Key("payments")
	require.True(t, ok)

	w := env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now().Add(time.Second)), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "KeyAlreadyExists", decodeError(t, w).Error.Code)
	after, ok := env.kms.Key("payments")
	require.True(t, ok)
	assert.Equal(t, before.Version, after.Version)
}

func TestHandleImport_NoCertificateIsServerError(t *testing.T) {
	env := newTestEnv(t, envOptions{withoutCert: true})

	w := env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now()), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "NoCertificate", decodeError(t, w).Error.Code)
}

func TestHandleImport_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", PathImport, "{not json", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MalformedJSON", decodeError(t, w).Error.Code)
}

type stubKeys struct {
	out saga.Outcome
}

func (s stubKeys) Import(context.Context, saga.Request) saga.Outcome { return s.out }
func (s stubKeys) Rotate(context.Context, saga.Request) saga.Outcome { return s.out }

func TestHandleImport_DependencyStatusPassedThrough(t *testing.T) {
	env := newTestEnv(t, envOptions{keys: stubKeys{out: saga.Outcome{
		State: saga.StateCompensatedFailure,
		Err:   byokerr.Dependency("alerting create key alert", http.StatusConflict, errors.New("alert exists")),
	}}})

	w := env.do(t, "POST", PathImport, env.signedRequest(t, "payments", time.Now()), nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DependencyFailed", decodeError(t, w).Error.Code)
}

func TestHandleRotate(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	now := time.Now()
	require.Equal(t, http.StatusOK, env.do(t, "POST", PathImport, env.signedRequest(t, "payments", now), nil).Code)
	before, _ := env.kms.Key("payments")

	body := env.signedRequest(t, "", now.Add(time.Second))
	body.ActionGroups = nil
	w := env.do(t, "POST", "/api/v1/keys/payments/rotate", body, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	after, _ := env.kms.Key("payments")
	assert.NotEqual(t, before.Version, after.Version)
}

func TestHandleRotate_UnknownKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", "/api/v1/keys/ghost/rotate", env.signedRequest(t, "", time.Now()), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "KeyNotFound", decodeError(t, w).Error.Code)
}

func TestHandleRotate_NameMismatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", "/api/v1/keys/payments/rotate", env.signedRequest(t, "other", time.Now()), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGenerateKEK(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "POST", PathKEKs, KEKRequest{Name: "kek-2"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var kek kms.KEKInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &kek))
	assert.Equal(t, "kek-2", kek.Name)
	assert.Equal(t, 2048, kek.KeySize)
	_, err := crypto.ParseRSAPublicKeyPEM([]byte(kek.PublicKeyPEM))
	assert.NoError(t, err)

	events := env.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeKEKGenerate, events[0].EventType)
}

func TestCertificateAdmin(t *testing.T) {
	env := newTestEnv(t, envOptions{withoutCert: true})

	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/ready", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", PathCertificate, nil, nil).Code)

	_, pemBytes := testutil.SelfSignedCert(t, testutil.RSAKey(t, "signer"), testutil.CertOptions{CommonName: "HSM Signer"})
	w := env.do(t, "PUT", PathCertificate, pemBytes, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info CertificateInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "CN=HSM Signer", info.Subject)
	assert.Len(t, info.Thumbprint, 64)

	w = env.do(t, "GET", PathCertificate, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/ready", nil, nil).Code)
	assert.Equal(t, []string{"upload"}, env.certRec.sources)
}

func TestCertificateAdmin_RejectedCertificateKeepsPrevious(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	before, _ := env.certs.Get()

	_, wrongSubject := testutil.SelfSignedCert(t, testutil.RSAKey(t, "other"), testutil.CertOptions{CommonName: "Someone Else"})
	w := env.do(t, "PUT", PathCertificate, wrongSubject, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidCertificate", decodeError(t, w).Error.Code)
	after, _ := env.certs.Get()
	assert.Same(t, before, after)
	require.Len(t, env.certRec.errs, 1)
	assert.Error(t, env.certRec.errs[0])
}

func TestCertificateAdmin_Garbage(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do(t, "PUT", PathCertificate, "not a certificate", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCertificateAdmin_RequiresKeyWhenConfigured(t *testing.T) {
	env := newTestEnv(t, envOptions{adminKey: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", PathCertificate, nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "GET", PathCertificate, nil, map[string]string{middleware.AdminKeyHeader: "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		env.do(t, "GET", PathCertificate, nil, map[string]string{middleware.AdminKeyHeader: "s3cret"}).Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, path := range []string{"/health", "/ready", "/live"} {
		w := env.do(t, "GET", path, nil, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
}

func TestRouteTemplate(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc(PathRotate, func(w http.ResponseWriter, r *http.Request) { got = RouteTemplate(r) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/keys/payments/rotate", nil))

	assert.Equal(t, PathRotate, got)
	assert.Equal(t, "unmatched", RouteTemplate(httptest.NewRequest("GET", "/nowhere", nil)))
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", byokerr.ErrMissingKeyVaultAlert, http.StatusBadRequest, "MissingKeyVaultAlert"},
		{"dependency with status", byokerr.Dependency("kms upload key", http.StatusForbidden, errors.New("denied")), http.StatusForbidden, "DependencyFailed"},
		{"dependency without status", byokerr.Dependency("kms upload key", 0, errors.New("reset")), http.StatusBadGateway, "DependencyFailed"},
		{"crypto", byokerr.ErrNoPublicKey, http.StatusInternalServerError, "NoPublicKey"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
		{"api error", ErrRequestTooLarge, http.StatusRequestEntityTooLarge, "RequestTooLarge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TranslateError(tt.err, "req-9")
			assert.Equal(t, tt.status, got.HTTPStatus)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, "req-9", got.RequestID)
		})
	}
	assert.Nil(t, TranslateError(nil, ""))
}

func TestTranslateError_HidesInternalDetail(t *testing.T) {
	got := TranslateError(errors.New("dial tcp 10.0.0.5:443: connection refused"), "")
	assert.NotContains(t, got.Message, "10.0.0.5")
}
