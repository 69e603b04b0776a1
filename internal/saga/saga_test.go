package saga

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/byok-gateway/internal/alerting"
	"github.com/kenneth/byok-gateway/internal/audit"
	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/crypto"
	"github.com/kenneth/byok-gateway/internal/keyops"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/testutil"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stubVerifier accepts or rejects every request and counts calls.
type stubVerifier struct {
	err      error
	calls    int
	released []string
}

func (s *stubVerifier) Verify([]byte, time.Time, string) error {
	s.calls++
	return s.err
}

func (s *stubVerifier) Release(sig string) {
	s.released = append(s.released, sig)
}

// countingKMS wraps the in-memory KMS with call counters and injectable failures.
type countingKMS struct {
	*kms.Memory
	mu        sync.Mutex
	uploads   int
	deletes   int
	uploadErr error
	deleteErr error
	existsErr error
	lastBlob  []byte
}

func (c *countingKMS) KeyExists(ctx context.Context, name string) (bool, error) {
	if c.existsErr != nil {
		return false, c.existsErr
	}
	return c.Memory.KeyExists(ctx, name)
}

func (c *countingKMS) UploadKey(ctx context.Context, name string, blob []byte, ops []string) (*kms.KeyInfo, error) {
	c.mu.Lock()
	c.uploads++
	c.lastBlob = blob
	err := c.uploadErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Memory.UploadKey(ctx, name, blob, ops)
}

func (c *countingKMS) DeleteKey(ctx context.Context, name string) error {
	c.mu.Lock()
	c.deletes++
	err := c.deleteErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Memory.DeleteKey(ctx, name)
}

// countingAlerts wraps the in-memory alerting service.
type countingAlerts struct {
	*alerting.Memory
	creates   int
	createErr error
	lookupErr map[string]error
}

func (c *countingAlerts) ActionGroupExists(ctx context.Context, name string) (bool, error) {
	if err := c.lookupErr[name]; err != nil {
		return false, err
	}
	return c.Memory.ActionGroupExists(ctx, name)
}

func (c *countingAlerts) CreateKeyAlert(ctx context.Context, alertName, keyID string, groups []string) error {
	c.creates++
	if c.createErr != nil {
		return c.createErr
	}
	return c.Memory.CreateKeyAlert(ctx, alertName, keyID, groups)
}

type fakeRecorder struct {
	outcomes      map[string]int
	compensations int
	depErrors     int
	signatures    []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string]int)}
}

func (f *fakeRecorder) RecordOutcome(op, state string) { f.outcomes[op+"/"+state]++ }

func (f *fakeRecorder) RecordStep(string, string, time.Duration, error) {}

func (f *fakeRecorder) RecordSignatureVerification(result string) {
	f.signatures = append(f.signatures, result)
}

func (f *fakeRecorder) RecordDependencyError(string, int) { f.depErrors++ }

func (f *fakeRecorder) RecordCompensation(error) { f.compensations++ }

type fixture struct {
	kms      *countingKMS
	alerts   *countingAlerts
	verifier *stubVerifier
	audit    audit.Logger
	metrics  *fakeRecorder
	orch     *Orchestrator
	kekID    string
	wrapped  []byte
}

// newFixture builds an orchestrator over in-memory collaborators with one KEK and a wrapped customer key.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := kms.NewMemory(kms.MemoryOptions{KEKSize: 2048, VaultURL: "https://vault.test"})
	kek, err := mem.GenerateKEK(context.Background(), "transfer-kek")
	require.NoError(t, err)

	pub, err := crypto.ParseRSAPublicKeyPEM([]byte(kek.PublicKeyPEM))
	require.NoError(t, err)
	wrapped, err := crypto.NewKeyWrapper().WrapPrivateKey(pub, testutil.RSAKey(t, "customer"))
	require.NoError(t, err)

	alerts := alerting.NewMemory(true)
	alerts.AddActionGroup("oncall")
	alerts.AddActionGroup("secops")

	f := &fixture{
		kms:      &countingKMS{Memory: mem},
		alerts:   &countingAlerts{Memory: alerts},
		verifier: &stubVerifier{},
		audit:    audit.NewLogger(100, nil, quietLogger()),
		metrics:  newFakeRecorder(),
		kekID:    kek.ID,
		wrapped:  wrapped,
	}
	f.orch = New(Config{
		KMS:       f.kms,
		Alerts:    f.alerts,
		Verifier:  f.verifier,
		Validator: keyops.NewValidator(nil),
		Audit:     f.audit,
		Metrics:   f.metrics,
		Logger:    quietLogger(),
	})
	return f
}

func (f *fixture) request(name string) Request {
	return Request{
		Name:          name,
		KeyOperations: []string{"sign", "verify"},
		Timestamp:     time.Now(),
		Signature:     "c2lnbmF0dXJl",
		Source:        transfer.EncryptedKeySource{KEKID: f.kekID, Ciphertext: f.wrapped},
		ActionGroups:  []string{"oncall", "secops"},
		RequestID:     "req-1",
	}
}

func stepNames(o Outcome) []Step {
	out := make([]Step, 0, len(o.Steps))
	for _, s := range o.Steps {
		out = append(out, s.Step)
	}
	return out
}

func TestImport_Committed(t *testing.T) {
	f := newFixture(t)

	out := f.orch.Import(context.Background(), f.request("payments"))

	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
	require.NotNil(t, out.Key)
	assert.Equal(t, "payments", out.Key.Name)
	assert.Equal(t, []string{"sign", "verify"}, out.Key.KeyOps)
	assert.Equal(t, []Step{
		StepAlertPrecondition, StepActionGroupsPresent, StepActionGroupsExist, StepKeyMustNotExist,
		StepOperationsValid, StepSignatureValid, StepUpload, StepAlertProvision,
	}, stepNames(out))

	assert.Equal(t, 1, f.alerts.creates)
	alert, ok := f.alerts.Alert("key-alert-payments")
	require.True(t, ok)
	assert.Equal(t, out.Key.ID, alert.KeyID)
	assert.Equal(t, []string{"oncall", "secops"}, alert.ActionGroups)

	material, err := f.kms.Material("payments")
	require.NoError(t, err)
	assert.True(t, testutil.RSAKey(t, "customer").Equal(material))

	assert.Equal(t, 1, f.metrics.outcomes["import/committed"])
	assert.Equal(t, []string{"valid"}, f.metrics.signatures)
	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeImport, events[0].EventType)
	assert.Equal(t, out.Key.ID, events[0].KeyID)
	assert.Equal(t, f.kekID, events[0].KEKID)
}

func TestImport_SuppliedBlobSource(t *testing.T) {
	f := newFixture(t)
	src, err := transfer.NewSuppliedBlobSource(transfer.NewBlob(f.wrapped, f.kekID))
	require.NoError(t, err)

	req := f.request("blob-key")
	req.Source = src
	out := f.orch.Import(context.Background(), req)

	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
}

func TestImport_SuppliedBlobUploadedAsSent(t *testing.T) {
	f := newFixture(t)
	doc := fmt.Sprintf(`{"header":{"kid":%q,"alg":"dir","enc":"CKM_RSA_AES_KEY_WRAP"},
		"schema_version":"1.0.0","ciphertext":%q,"generator":"hsm","x_vendor":"acme"}`,
		f.kekID, base64.RawURLEncoding.EncodeToString(f.wrapped))
	var blob transfer.Blob
	require.NoError(t, json.Unmarshal([]byte(doc), &blob))
	src, err := transfer.NewSuppliedBlobSource(blob)
	require.NoError(t, err)

	req := f.request("vendor-key")
	req.Source = src
	out := f.orch.Import(context.Background(), req)

	require.NoError(t, out.Err)
	want, err := transfer.Canonicalize([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(f.kms.lastBlob))
	assert.Contains(t, string(f.kms.lastBlob), `"x_vendor":"acme"`)
}

func TestImport_AbortsBeforeAnyWrite(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, r *Request)
		want   *byokerr.Error
		step   Step
	}{
		{
			name:   "vault alert missing",
			mutate: func(f *fixture, _ *Request) { f.alerts.SetVaultAlert(false) },
			want:   byokerr.ErrMissingKeyVaultAlert,
			step:   StepAlertPrecondition,
		},
		{
			name:   "no action groups",
			mutate: func(_ *fixture, r *Request) { r.ActionGroups = nil },
			want:   byokerr.ErrMissingActionGroup,
			step:   StepActionGroupsPresent,
		},
		{
			name:   "blank action groups",
			mutate: func(_ *fixture, r *Request) { r.ActionGroups = []string{"", "  "} },
			want:   byokerr.ErrMissingActionGroup,
			step:   StepActionGroupsPresent,
		},
		{
			name:   "unknown action group",
			mutate: func(_ *fixture, r *Request) { r.ActionGroups = []string{"oncall", "ghost"} },
			want:   byokerr.ErrActionGroupNotFound,
			step:   StepActionGroupsExist,
		},
		{
			name:   "bad key operation",
			mutate: func(_ *fixture, r *Request) { r.KeyOperations = []string{"sign", "launch"} },
			want:   byokerr.ErrInvalidKeyOperations,
			step:   StepOperationsValid,
		},
		{
			name:   "bad signature",
			mutate: func(f *fixture, _ *Request) { f.verifier.err = byokerr.ErrSignatureInvalid },
			want:   byokerr.ErrSignatureInvalid,
			step:   StepSignatureValid,
		},
		{
			name:   "stale request",
			mutate: func(f *fixture, _ *Request) { f.verifier.err = byokerr.ErrRequestExpired },
			want:   byokerr.ErrRequestExpired,
			step:   StepSignatureValid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request("payments")
			tt.mutate(f, &req)

			out := f.orch.Import(context.Background(), req)

			assert.Equal(t, StateAborted, out.State)
			assert.ErrorIs(t, out.Err, tt.want)
			assert.Equal(t, tt.step, out.FailedStep())
			assert.Equal(t, 0, f.kms.uploads)
			assert.Equal(t, 0, f.alerts.creates)
			assert.Equal(t, 0, f.kms.deletes)
			assert.Equal(t, 1, f.metrics.outcomes["import/aborted"])
		})
	}
}

func TestImport_ExistingKeyIsNotOverwritten(t *testing.T) {
	f := newFixture(t)
	first := f.orch.Import(context.Background(), f.request("payments"))
	require.NoError(t, first.Err)

	// Even with alert provisioning broken, a second import must leave the live key alone.
	f.alerts.createErr = errors.New("alerting down")
	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateAborted, out.State)
	assert.ErrorIs(t, out.Err, byokerr.ErrKeyAlreadyExists)
	assert.Equal(t, StepKeyMustNotExist, out.FailedStep())
	assert.Equal(t, 1, f.kms.uploads)
	assert.Equal(t, 0, f.kms.deletes)
	assert.Equal(t, 1, f.verifier.calls)

	info, ok := f.kms.Key("payments")
	require.True(t, ok)
	assert.Equal(t, first.Key.Version, info.Version)
	alert, ok := f.alerts.Alert("key-alert-payments")
	require.True(t, ok)
	assert.Equal(t, first.Key.ID, alert.KeyID)
}

func TestImport_KeyLookupFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.kms.existsErr = byokerr.Dependency("kms get key", http.StatusServiceUnavailable, errors.New("unavailable"))

	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, StepKeyMustNotExist, out.FailedStep())
	assert.Equal(t, http.StatusServiceUnavailable, byokerr.StatusOf(out.Err))
	assert.Equal(t, 0, f.kms.uploads)
}

func TestImport_SignatureCheckedAfterCheapValidation(t *testing.T) {
	f := newFixture(t)
	req := f.request("payments")
	req.KeyOperations = []string{"launch"}

	f.orch.Import(context.Background(), req)

	assert.Equal(t, 0, f.verifier.calls)
}

func TestImport_MissingActionGroupsNamedTogether(t *testing.T) {
	f := newFixture(t)
	req := f.request("payments")
	req.ActionGroups = []string{"ghost", "oncall", "phantom"}

	out := f.orch.Import(context.Background(), req)

	require.ErrorIs(t, out.Err, byokerr.ErrActionGroupNotFound)
	assert.Contains(t, out.Err.Error(), "ghost, phantom")
}

func TestImport_ActionGroupLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.alerts.lookupErr = map[string]error{
		"oncall": byokerr.Dependency("alerting get action group", http.StatusServiceUnavailable, errors.New("unavailable")),
	}

	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, byokerr.KindDependency, byokerr.KindOf(out.Err))
	assert.Equal(t, http.StatusServiceUnavailable, byokerr.StatusOf(out.Err))
	assert.Equal(t, 1, f.metrics.depErrors)
}

func TestImport_NotFoundOutranksLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.alerts.lookupErr = map[string]error{"oncall": errors.New("timeout")}
	req := f.request("payments")
	req.ActionGroups = []string{"oncall", "ghost"}

	out := f.orch.Import(context.Background(), req)

	assert.ErrorIs(t, out.Err, byokerr.ErrActionGroupNotFound)
}

func TestImport_UploadFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.kms.uploadErr = errors.New("connection reset")

	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, StepUpload, out.FailedStep())
	assert.Equal(t, byokerr.KindDependency, byokerr.KindOf(out.Err))
	assert.Equal(t, http.StatusBadGateway, byokerr.StatusOf(out.Err))
	assert.Equal(t, 0, f.alerts.creates)
	assert.Equal(t, 0, f.kms.deletes)
	assert.Equal(t, []string{"c2lnbmF0dXJl"}, f.verifier.released)
}

func TestImport_SuccessKeepsSignatureClaimed(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.orch.Import(context.Background(), f.request("payments")).Err)

	assert.Empty(t, f.verifier.released)
}

func TestImport_AlertFailureCompensates(t *testing.T) {
	f := newFixture(t)
	alertErr := byokerr.Dependency("alerting create key alert", http.StatusConflict, errors.New("conflict"))
	f.alerts.createErr = alertErr

	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateCompensatedFailure, out.State)
	assert.ErrorIs(t, out.Err, alertErr)
	assert.Equal(t, http.StatusConflict, byokerr.StatusOf(out.Err))
	assert.NoError(t, out.CompensationErr)
	assert.Equal(t, 1, f.kms.deletes)
	assert.Equal(t, 1, f.metrics.compensations)

	exists, err := f.kms.KeyExists(context.Background(), "payments")
	require.NoError(t, err)
	assert.False(t, exists)

	var types []audit.EventType
	for _, e := range f.audit.Events() {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []audit.EventType{audit.EventTypeCompensation, audit.EventTypeImport}, types)
}

func TestImport_FailedCompensationKeepsAlertError(t *testing.T) {
	f := newFixture(t)
	alertErr := byokerr.Dependency("alerting create key alert", http.StatusInternalServerError, errors.New("boom"))
	f.alerts.createErr = alertErr
	f.kms.deleteErr = errors.New("delete refused")

	out := f.orch.Import(context.Background(), f.request("payments"))

	assert.Equal(t, StateCompensatedFailure, out.State)
	assert.ErrorIs(t, out.Err, alertErr)
	assert.EqualError(t, out.CompensationErr, "delete refused")
	assert.Equal(t, 1, f.kms.deletes)
	assert.Equal(t, StepAlertProvision, out.FailedStep())
}

func TestImport_CancellationAfterUploadStillProvisionsAlert(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.orch.kms = &cancelOnUpload{countingKMS: f.kms, cancel: cancel}

	out := f.orch.Import(ctx, f.request("payments"))

	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
	_, ok := f.alerts.Alert("key-alert-payments")
	assert.True(t, ok)
}

type cancelOnUpload struct {
	*countingKMS
	cancel context.CancelFunc
}

func (c *cancelOnUpload) UploadKey(ctx context.Context, name string, blob []byte, ops []string) (*kms.KeyInfo, error) {
	info, err := c.countingKMS.UploadKey(ctx, name, blob, ops)
	c.cancel()
	return info, err
}

func TestRotate_Committed(t *testing.T) {
	f := newFixture(t)
	first := f.orch.Import(context.Background(), f.request("payments"))
	require.NoError(t, first.Err)

	req := f.request("payments")
	req.ActionGroups = nil
	req.KeyOperations = []string{"decrypt"}
	out := f.orch.Rotate(context.Background(), req)

	require.NoError(t, out.Err)
	assert.Equal(t, StateCommitted, out.State)
	assert.NotEqual(t, first.Key.Version, out.Key.Version)
	assert.Equal(t, []Step{StepKeyMustExist, StepOperationsValid, StepSignatureValid, StepUpload}, stepNames(out))
	assert.Equal(t, 1, f.alerts.creates)
	assert.Equal(t, 1, f.metrics.outcomes["rotate/committed"])
}

func TestRotate_KeyMustExist(t *testing.T) {
	f := newFixture(t)

	out := f.orch.Rotate(context.Background(), f.request("unknown"))

	assert.Equal(t, StateAborted, out.State)
	assert.ErrorIs(t, out.Err, byokerr.ErrKeyNotFound)
	assert.Equal(t, 0, f.verifier.calls)
	assert.Equal(t, 0, f.kms.uploads)
}

func TestRotate_UploadFailureDoesNotCompensate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.Import(context.Background(), f.request("payments")).Err)
	f.kms.uploadErr = errors.New("throttled")

	out := f.orch.Rotate(context.Background(), f.request("payments"))

	assert.Equal(t, StateAborted, out.State)
	assert.Equal(t, 0, f.kms.deletes)
	exists, err := f.kms.KeyExists(context.Background(), "payments")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWorkLog_PopsNewestFirst(t *testing.T) {
	var w workLog
	w.add(workEntry{step: StepUpload, keyName: "a"})
	w.add(workEntry{step: StepAlertProvision, keyName: "b"})

	e, ok := w.pop()
	require.True(t, ok)
	assert.Equal(t, "b", e.keyName)
	e, ok = w.pop()
	require.True(t, ok)
	assert.Equal(t, "a", e.keyName)
	_, ok = w.pop()
	assert.False(t, ok)
}
