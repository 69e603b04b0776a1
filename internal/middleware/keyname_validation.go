package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Key names follow the vault naming rule: 1-127 characters, letters, digits and dashes.
var keyNamePattern = regexp.MustCompile(`^[0-9A-Za-z-]{1,127}$`)

// ValidKeyName reports whether name may be used as a key name.
func ValidKeyName(name string) bool {
	return keyNamePattern.MatchString(name)
}

// KeyNameValidationMiddleware rejects requests under /api/v1/keys/{name}/ whose name segment
// is not a valid key name. Other routes pass through untouched.
func KeyNameValidationMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/keys/")
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			name, _, _ := strings.Cut(rest, "/")
			if name == "import" {
				next.ServeHTTP(w, r)
				return
			}
			if !ValidKeyName(name) {
				logger.WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"method":     r.Method,
					"request_id": RequestID(r.Context()),
				}).Warn("Rejected request for invalid key name")

				writeJSONError(w, http.StatusBadRequest, "InvalidKeyName",
					"key name must be 1-127 characters of letters, digits and dashes")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
