package byokerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for reporting to the caller.
type Kind int

const (
	// KindUnknown is any error not produced by this package.
	KindUnknown Kind = iota
	// KindValidation is a client error that is never retried.
	KindValidation
	// KindDependency is a failed call to the KMS or the alerting subsystem.
	KindDependency
	// KindCrypto is a trust-store or algorithm failure.
	KindCrypto
)

// String returns a short label used in metrics and logs.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDependency:
		return "dependency"
	case KindCrypto:
		return "crypto"
	default:
		return "internal"
	}
}

// Message constants returned to callers on validation failures.
const (
	MsgMissingKeyVaultAlert   = "key vault alert does not exist; create a key vault alert before importing keys"
	MsgMissingActionGroup     = "at least one action group is required"
	MsgActionGroupNotFound    = "action group does not exist"
	MsgInvalidKeySource       = "exactly one of transfer_blob or key_encryption_key_id with encrypted_key_base64 is required"
	MsgInvalidKeyOperations   = "Invalid key operations detected"
	MsgSignatureInvalid       = "signature is invalid"
	MsgRequestExpired         = "request is no longer valid"
	MsgSignatureReplayed      = "signature has already been used"
	MsgKeyNotFound            = "key does not exist"
	MsgKeyAlreadyExists       = "key already exists; use rotate to add new key material"
	MsgNoCertificate          = "no verification certificate is configured"
	MsgNoPublicKey            = "verification certificate does not hold an RSA public key"
	MsgInvalidCertificate     = "certificate is invalid"
	MsgCertificateNotValidNow = "verification certificate is outside its validity period"
)

// Error is the error type shared by every component on the import path.
type Error struct {
	Kind Kind
	// Code is a stable machine-readable identifier. Two errors with the same code match under errors.Is.
	Code    string
	Message string
	// StatusCode is the upstream status for dependency errors, zero otherwise.
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// HTTPStatus maps the error to the response status returned to the customer.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindDependency:
		if e.StatusCode >= 400 && e.StatusCode <= 599 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Predefined errors. Use the constructors below to attach detail.
var (
	ErrMissingKeyVaultAlert   = &Error{Kind: KindValidation, Code: "MissingKeyVaultAlert", Message: MsgMissingKeyVaultAlert}
	ErrMissingActionGroup     = &Error{Kind: KindValidation, Code: "MissingActionGroup", Message: MsgMissingActionGroup}
	ErrActionGroupNotFound    = &Error{Kind: KindValidation, Code: "ActionGroupNotFound", Message: MsgActionGroupNotFound}
	ErrInvalidKeySource       = &Error{Kind: KindValidation, Code: "InvalidKeySource", Message: MsgInvalidKeySource}
	ErrInvalidKeyOperations   = &Error{Kind: KindValidation, Code: "InvalidKeyOperations", Message: MsgInvalidKeyOperations}
	ErrSignatureInvalid       = &Error{Kind: KindValidation, Code: "SignatureInvalid", Message: MsgSignatureInvalid}
	ErrRequestExpired         = &Error{Kind: KindValidation, Code: "RequestExpired", Message: MsgRequestExpired}
	ErrSignatureReplayed      = &Error{Kind: KindValidation, Code: "SignatureReplayed", Message: MsgSignatureReplayed}
	ErrKeyNotFound            = &Error{Kind: KindValidation, Code: "KeyNotFound", Message: MsgKeyNotFound}
	ErrKeyAlreadyExists       = &Error{Kind: KindValidation, Code: "KeyAlreadyExists", Message: MsgKeyAlreadyExists}
	ErrNoCertificate          = &Error{Kind: KindCrypto, Code: "NoCertificate", Message: MsgNoCertificate}
	ErrNoPublicKey            = &Error{Kind: KindCrypto, Code: "NoPublicKey", Message: MsgNoPublicKey}
	ErrInvalidCertificate     = &Error{Kind: KindValidation, Code: "InvalidCertificate", Message: MsgInvalidCertificate}
	ErrCertificateNotValidNow = &Error{Kind: KindCrypto, Code: "CertificateNotValidNow", Message: MsgCertificateNotValidNow}
)

// Validation returns a client error with the given code and message.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// WithDetail copies a predefined error and appends detail to its message.
func WithDetail(base *Error, detail string) *Error {
	e := *base
	if detail != "" {
		e.Message = base.Message + ": " + detail
	}
	return &e
}

// Wrap copies a predefined error and attaches a cause.
func Wrap(base *Error, err error) *Error {
	e := *base
	e.Err = err
	return &e
}

// Dependency reports a failed collaborator call. status is the upstream HTTP status or zero when unknown.
func Dependency(operation string, status int, err error) *Error {
	return &Error{
		Kind:       KindDependency,
		Code:       "DependencyFailed",
		Message:    operation + " failed",
		StatusCode: status,
		Err:        err,
	}
}

// Crypto reports a cryptographic primitive failure.
func Crypto(operation string, err error) *Error {
	return &Error{
		Kind:    KindCrypto,
		Code:    "CryptoFailure",
		Message: operation + " failed",
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status for err, 500 for unclassified errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
