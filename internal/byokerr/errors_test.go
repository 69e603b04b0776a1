package byokerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("saga: %w", WithDetail(ErrActionGroupNotFound, "ops-team"))

	assert.True(t, errors.Is(err, ErrActionGroupNotFound))
	assert.False(t, errors.Is(err, ErrMissingActionGroup))
	assert.Contains(t, err.Error(), "ops-team")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", ErrSignatureInvalid, http.StatusBadRequest},
		{"expired", ErrRequestExpired, http.StatusBadRequest},
		{"dependency passthrough", Dependency("upload key", http.StatusConflict, errors.New("conflict")), http.StatusConflict},
		{"dependency unknown status", Dependency("upload key", 0, errors.New("dial tcp")), http.StatusBadGateway},
		{"crypto", Crypto("unwrap", errors.New("bad padding")), http.StatusInternalServerError},
		{"no certificate", ErrNoCertificate, http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, StatusOf(tt.err))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("asn1: structure error")
	err := Wrap(ErrInvalidCertificate, cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInvalidCertificate)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(cause))
}
