package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/byok-gateway/internal/byokerr"
)

// APIError represents an error response.
type APIError struct {
	Code       string
	Message    string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response body.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	type errorBody struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	}
	type errorResponse struct {
		Error errorBody `json:"error"`
	}

	data, err := json.Marshal(errorResponse{Error: errorBody{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: e.RequestID,
	}})
	if err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	w.Write(data)
}

// TranslateError maps domain errors to API errors. Validation errors keep their message, dependency
// errors keep the upstream status, and everything else becomes an opaque internal error.
func TranslateError(err error, requestID string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		out := *apiErr
		out.RequestID = requestID
		return &out
	}

	var e *byokerr.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case byokerr.KindValidation:
			return &APIError{
				Code:       e.Code,
				Message:    e.Message,
				RequestID:  requestID,
				HTTPStatus: e.HTTPStatus(),
			}
		case byokerr.KindDependency:
			return &APIError{
				Code:       e.Code,
				Message:    e.Error(),
				RequestID:  requestID,
				HTTPStatus: e.HTTPStatus(),
			}
		case byokerr.KindCrypto:
			// Crypto failures describe the trust store, not the request.
			return &APIError{
				Code:       e.Code,
				Message:    e.Message,
				RequestID:  requestID,
				HTTPStatus: http.StatusInternalServerError,
			}
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		RequestID:  requestID,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined request errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMalformedJSON = &APIError{
		Code:       "MalformedJSON",
		Message:    "The request body is not valid JSON.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrRequestTooLarge = &APIError{
		Code:       "RequestTooLarge",
		Message:    "The request body exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrInvalidTimestamp = &APIError{
		Code:       "InvalidTimestamp",
		Message:    "The timestamp could not be parsed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoCertificateCached = &APIError{
		Code:       "NoCertificate",
		Message:    "No verification certificate has been installed.",
		HTTPStatus: http.StatusNotFound,
	}
)

// withMessage copies a predefined error with a more specific message.
func withMessage(base *APIError, msg string) *APIError {
	e := *base
	e.Message = msg
	return &e
}
