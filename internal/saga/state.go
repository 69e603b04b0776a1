package saga

import (
	"time"

	"github.com/kenneth/byok-gateway/internal/kms"
)

// Operation names, used as metric and audit labels.
const (
	OpImport = "import"
	OpRotate = "rotate"
)

// State is the terminal state of an import or rotate.
type State string

const (
	// StateCommitted means the key is live and, for imports, its alert is live.
	StateCommitted State = "committed"
	// StateAborted means a check failed before anything was written.
	StateAborted State = "aborted"
	// StateCompensatedFailure means the uploaded key was deleted again after alert provisioning failed.
	StateCompensatedFailure State = "compensated_failure"
)

// Step names one stage of the pipeline.
type Step string

const (
	StepAlertPrecondition   Step = "alert_precondition"
	StepActionGroupsPresent Step = "action_groups_present"
	StepActionGroupsExist   Step = "action_groups_exist"
	StepKeyMustExist        Step = "key_must_exist"
	StepKeyMustNotExist     Step = "key_must_not_exist"
	StepOperationsValid     Step = "operations_valid"
	StepSignatureValid      Step = "signature_valid"
	StepUpload              Step = "upload"
	StepAlertProvision      Step = "alert_provision"
	StepCompensate          Step = "compensate"
)

// mutating reports whether a step changes external state.
func (s Step) mutating() bool {
	return s == StepUpload || s == StepAlertProvision || s == StepCompensate
}

// StepResult records one executed step.
type StepResult struct {
	Step     Step
	Err      error
	Duration time.Duration
}

// Outcome is the result of an import or rotate. Err is the error reported to the caller and is nil
// only for StateCommitted.
type Outcome struct {
	State State
	Key   *kms.KeyInfo
	Err   error
	// CompensationErr is set when the compensating delete also failed. It never replaces Err.
	CompensationErr error
	Steps           []StepResult
}

// FailedStep returns the step that ended the run, or "" when it committed.
func (o Outcome) FailedStep() Step {
	for _, s := range o.Steps {
		if s.Err != nil {
			return s.Step
		}
	}
	return ""
}

// workEntry is a completed mutation that may need undoing.
type workEntry struct {
	step    Step
	keyName string
	keyID   string
}

// workLog is the backward path: mutations in the order they happened, undone last-first.
type workLog struct {
	entries []workEntry
}

func (w *workLog) add(e workEntry) {
	w.entries = append(w.entries, e)
}

// pop removes and returns the most recent entry.
func (w *workLog) pop() (workEntry, bool) {
	if len(w.entries) == 0 {
		return workEntry{}, false
	}
	e := w.entries[len(w.entries)-1]
	w.entries = w.entries[:len(w.entries)-1]
	return e, true
}
