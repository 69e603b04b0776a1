// Package saga runs key import and rotation as an explicit state machine. Every check runs before
// the first write; once the key is uploaded the run always ends in either a provisioned alert or a
// compensating delete.
package saga

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/byok-gateway/internal/alerting"
	"github.com/kenneth/byok-gateway/internal/audit"
	"github.com/kenneth/byok-gateway/internal/byokerr"
	"github.com/kenneth/byok-gateway/internal/keyops"
	"github.com/kenneth/byok-gateway/internal/kms"
	"github.com/kenneth/byok-gateway/internal/transfer"
)

// Request is a validated import or rotate request. ActionGroups is ignored by Rotate.
type Request struct {
	Name          string
	KeyOperations []string
	Timestamp     time.Time
	Signature     string
	Source        transfer.KeySource
	ActionGroups  []string
	RequestID     string
}

// Verifier authenticates the signed payload. Release undoes the replay claim Verify made.
type Verifier interface {
	Verify(keyData []byte, timestamp time.Time, signatureB64 string) error
	Release(signatureB64 string)
}

// OperationsValidator checks requested key operations.
type OperationsValidator interface {
	Validate(ops []string) keyops.Result
}

// Recorder receives metrics for each run.
type Recorder interface {
	RecordOutcome(operation, state string)
	RecordStep(operation, step string, duration time.Duration, err error)
	RecordSignatureVerification(result string)
	RecordDependencyError(step string, status int)
	RecordCompensation(err error)
}

// Config wires an Orchestrator. Audit and Metrics may be nil.
type Config struct {
	KMS       kms.Service
	Alerts    alerting.Service
	Verifier  Verifier
	Validator OperationsValidator
	Audit     audit.Logger
	Metrics   Recorder
	Logger    *logrus.Logger
}

// Orchestrator executes imports and rotations. It holds no per-request state and is safe for
// concurrent use.
type Orchestrator struct {
	kms       kms.Service
	alerts    alerting.Service
	verifier  Verifier
	validator OperationsValidator
	audit     audit.Logger
	metrics   Recorder
	logger    *logrus.Logger
	tracer    trace.Tracer
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		kms:       cfg.KMS,
		alerts:    cfg.Alerts,
		verifier:  cfg.Verifier,
		validator: cfg.Validator,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		tracer:    otel.Tracer("byok-gateway/saga"),
	}
}

// Import uploads a new key and provisions its alert.
func (o *Orchestrator) Import(ctx context.Context, req Request) Outcome {
	r := o.begin(ctx, OpImport, req)
	defer r.finish()

	if r.check(StepAlertPrecondition, r.alertPrecondition) ||
		r.check(StepActionGroupsPresent, r.actionGroupsPresent) ||
		r.check(StepActionGroupsExist, r.actionGroupsExist) ||
		r.check(StepKeyMustNotExist, r.keyMustNotExist) ||
		r.check(StepOperationsValid, r.operationsValid) ||
		r.check(StepSignatureValid, r.signatureValid) ||
		r.check(StepUpload, r.upload) {
		return r.abort()
	}

	// The key exists now. Caller cancellation must not leave it without an alert.
	r.ctx = context.WithoutCancel(r.ctx)

	if r.check(StepAlertProvision, r.alertProvision) {
		return r.compensate()
	}
	return r.commit()
}

// Rotate uploads new material for a key that already exists.
func (o *Orchestrator) Rotate(ctx context.Context, req Request) Outcome {
	r := o.begin(ctx, OpRotate, req)
	defer r.finish()

	if r.check(StepKeyMustExist, r.keyMustExist) ||
		r.check(StepOperationsValid, r.operationsValid) ||
		r.check(StepSignatureValid, r.signatureValid) ||
		r.check(StepUpload, r.upload) {
		return r.abort()
	}
	return r.commit()
}

// run is the state of one import or rotate.
type run struct {
	o       *Orchestrator
	op      string
	req     Request
	ctx     context.Context
	span    trace.Span
	start   time.Time
	log     *logrus.Entry
	work    workLog
	outcome Outcome
	lastErr error
}

func (o *Orchestrator) begin(ctx context.Context, op string, req Request) *run {
	ctx, span := o.tracer.Start(ctx, "saga."+op, trace.WithAttributes(
		attribute.String("byok.operation", op),
		attribute.String("byok.key_name", req.Name),
	))
	if req.Source != nil {
		span.SetAttributes(attribute.String("byok.key_source", req.Source.Kind()))
	}
	return &run{
		o:     o,
		op:    op,
		req:   req,
		ctx:   ctx,
		span:  span,
		start: time.Now(),
		log: o.logger.WithFields(logrus.Fields{
			"operation":  op,
			"key_name":   req.Name,
			"request_id": req.RequestID,
		}),
	}
}

// check runs one step and reports whether it failed.
func (r *run) check(step Step, fn func(ctx context.Context) error) bool {
	ctx, span := r.o.tracer.Start(r.ctx, "saga."+string(step))
	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)

	r.outcome.Steps = append(r.outcome.Steps, StepResult{Step: step, Err: err, Duration: elapsed})
	if r.o.metrics != nil {
		r.o.metrics.RecordStep(r.op, string(step), elapsed, err)
		if byokerr.KindOf(err) == byokerr.KindDependency {
			r.o.metrics.RecordDependencyError(string(step), dependencyStatus(err))
		}
	}

	entry := r.log.WithFields(logrus.Fields{"step": step, "duration_ms": elapsed.Milliseconds()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Warn("Step failed")
		r.lastErr = err
	} else if step.mutating() {
		entry.Info("Step completed")
	} else {
		entry.Debug("Step passed")
	}
	span.End()
	return err != nil
}

func (r *run) alertPrecondition(ctx context.Context) error {
	exists, err := r.o.alerts.VaultAlertExists(ctx)
	if err != nil {
		return asDependency("vault alert lookup", err)
	}
	if !exists {
		return byokerr.ErrMissingKeyVaultAlert
	}
	return nil
}

func (r *run) actionGroupsPresent(context.Context) error {
	for _, g := range r.req.ActionGroups {
		if strings.TrimSpace(g) != "" {
			return nil
		}
	}
	return byokerr.ErrMissingActionGroup
}

// actionGroupsExist looks up every group before deciding, so one response names all missing
// groups. A definite "not found" outranks lookup failures.
func (r *run) actionGroupsExist(ctx context.Context) error {
	var missing []string
	var lookupErrs *multierror.Error
	for _, g := range r.req.ActionGroups {
		exists, err := r.o.alerts.ActionGroupExists(ctx, g)
		switch {
		case err != nil:
			lookupErrs = multierror.Append(lookupErrs, asDependency("action group lookup "+g, err))
		case !exists:
			missing = append(missing, g)
		}
	}
	if len(missing) > 0 {
		e := byokerr.WithDetail(byokerr.ErrActionGroupNotFound, strings.Join(missing, ", "))
		e.Err = lookupErrs.ErrorOrNil()
		return e
	}
	if lookupErrs != nil {
		first := lookupErrs.Errors[0]
		return byokerr.Dependency("action group lookup", dependencyStatus(first), lookupErrs)
	}
	return nil
}

func (r *run) keyMustExist(ctx context.Context) error {
	exists, err := r.o.kms.KeyExists(ctx, r.req.Name)
	if err != nil {
		return asDependency("key lookup", err)
	}
	if !exists {
		return byokerr.WithDetail(byokerr.ErrKeyNotFound, r.req.Name)
	}
	return nil
}

// keyMustNotExist keeps import from adding a version to a live key, which the compensating delete
// would then remove along with every earlier version.
func (r *run) keyMustNotExist(ctx context.Context) error {
	exists, err := r.o.kms.KeyExists(ctx, r.req.Name)
	if err != nil {
		return asDependency("key lookup", err)
	}
	if exists {
		return byokerr.WithDetail(byokerr.ErrKeyAlreadyExists, r.req.Name)
	}
	return nil
}

func (r *run) operationsValid(context.Context) error {
	return r.o.validator.Validate(r.req.KeyOperations).Err()
}

// signatureValid is the last check before the upload so the freshness window is read as late
// as possible.
func (r *run) signatureValid(context.Context) error {
	if r.req.Source == nil {
		return byokerr.ErrInvalidKeySource
	}
	err := r.o.verifier.Verify(r.req.Source.SignedData(), r.req.Timestamp, r.req.Signature)
	if r.o.metrics != nil {
		r.o.metrics.RecordSignatureVerification(verificationResult(err))
	}
	return err
}

func (r *run) upload(ctx context.Context) error {
	blob, err := r.req.Source.Generate().Marshal()
	if err != nil {
		return byokerr.Crypto("transfer blob encoding", err)
	}
	key, err := r.o.kms.UploadKey(ctx, r.req.Name, blob, r.req.KeyOperations)
	if err != nil {
		r.o.verifier.Release(r.req.Signature)
		return asDependency("key upload", err)
	}
	r.outcome.Key = key
	r.work.add(workEntry{step: StepUpload, keyName: r.req.Name, keyID: key.ID})
	r.span.SetAttributes(attribute.String("byok.key_id", key.ID))
	return nil
}

func (r *run) alertProvision(ctx context.Context) error {
	err := r.o.alerts.CreateKeyAlert(ctx, alerting.AlertName(r.req.Name), r.outcome.Key.ID, r.req.ActionGroups)
	if err != nil {
		return asDependency("alert creation", err)
	}
	return nil
}

func (r *run) abort() Outcome {
	r.outcome.State = StateAborted
	r.outcome.Err = r.lastErr
	return r.outcome
}

func (r *run) commit() Outcome {
	r.outcome.State = StateCommitted
	return r.outcome
}

// compensate undoes the upload. The alert error stays the reported error whatever the delete does.
func (r *run) compensate() Outcome {
	alertErr := r.lastErr

	for {
		entry, ok := r.work.pop()
		if !ok {
			break
		}
		if entry.step != StepUpload {
			continue
		}
		var delErr error
		r.check(StepCompensate, func(ctx context.Context) error {
			delErr = r.o.kms.DeleteKey(ctx, entry.keyName)
			return delErr
		})
		if r.o.metrics != nil {
			r.o.metrics.RecordCompensation(delErr)
		}
		if r.o.audit != nil {
			r.o.audit.LogCompensation(entry.keyName, entry.keyID, r.req.RequestID, delErr)
		}
		if delErr != nil {
			r.outcome.CompensationErr = delErr
			r.log.WithError(delErr).WithField("key_id", entry.keyID).
				Error("Compensating delete failed; key is live without an alert")
		}
	}

	r.outcome.State = StateCompensatedFailure
	r.outcome.Err = alertErr
	return r.outcome
}

func (r *run) finish() {
	elapsed := time.Since(r.start)
	state := string(r.outcome.State)

	r.span.SetAttributes(attribute.String("byok.state", state))
	if r.outcome.Err != nil {
		r.span.SetStatus(codes.Error, r.outcome.Err.Error())
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.span.End()

	if r.o.metrics != nil {
		r.o.metrics.RecordOutcome(r.op, state)
	}
	if r.o.audit != nil {
		op := audit.Operation{
			Type:      audit.EventTypeImport,
			KeyName:   r.req.Name,
			State:     state,
			RequestID: r.req.RequestID,
			Err:       r.outcome.Err,
			Duration:  elapsed,
		}
		if r.op == OpRotate {
			op.Type = audit.EventTypeRotate
		} else {
			op.ActionGroups = r.req.ActionGroups
		}
		if r.outcome.Key != nil {
			op.KeyID = r.outcome.Key.ID
		}
		if r.req.Source != nil {
			op.KEKID = r.req.Source.Generate().Header.Kid
		}
		r.o.audit.LogOperation(op)
	}

	entry := r.log.WithFields(logrus.Fields{
		"state":       state,
		"duration_ms": elapsed.Milliseconds(),
	})
	if r.outcome.Err != nil {
		entry.WithError(r.outcome.Err).WithField("step", r.outcome.FailedStep()).Warn("Key operation did not commit")
	} else {
		entry.WithField("key_id", r.outcome.Key.ID).Info("Key operation committed")
	}
}

// asDependency keeps classified errors and wraps anything else as a dependency failure.
func asDependency(op string, err error) error {
	var e *byokerr.Error
	if errors.As(err, &e) {
		return err
	}
	return byokerr.Dependency(op, 0, err)
}

func dependencyStatus(err error) int {
	var e *byokerr.Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, byokerr.ErrSignatureInvalid):
		return "invalid"
	case errors.Is(err, byokerr.ErrRequestExpired):
		return "expired"
	case errors.Is(err, byokerr.ErrSignatureReplayed):
		return "replayed"
	default:
		return "error"
	}
}
