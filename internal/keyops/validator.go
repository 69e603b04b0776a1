// Package keyops checks requested key operations against an allow-list.
package keyops

import (
	"strings"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

// DefaultAllowed is the allow-list used when none is configured.
var DefaultAllowed = []string{"encrypt", "decrypt", "sign", "verify", "wrapKey", "unwrapKey", "import"}

// Result is the outcome of Validate.
type Result struct {
	Valid   bool
	Invalid []string
	Message string
}

// Err returns ErrInvalidKeyOperations carrying the result message, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return byokerr.Validation(byokerr.ErrInvalidKeyOperations.Code, r.Message)
}

// Validator holds a fixed allow-list. Operation names are matched exactly.
type Validator struct {
	allowed map[string]struct{}
}

// NewValidator creates a validator. An empty list selects DefaultAllowed.
func NewValidator(allowed []string) *Validator {
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	set := make(map[string]struct{}, len(allowed))
	for _, op := range allowed {
		set[op] = struct{}{}
	}
	return &Validator{allowed: set}
}

// Validate reports the operations not in the allow-list, in request order.
func (v *Validator) Validate(ops []string) Result {
	var invalid []string
	for _, op := range ops {
		if _, ok := v.allowed[op]; !ok {
			invalid = append(invalid, op)
		}
	}
	if len(invalid) == 0 {
		return Result{Valid: true}
	}
	return Result{
		Invalid: invalid,
		Message: byokerr.MsgInvalidKeyOperations + ": " + strings.Join(invalid, ", "),
	}
}
