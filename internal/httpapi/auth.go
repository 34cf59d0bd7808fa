package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
)

// AuthMiddleware checks the X-API-Key header. An empty apiKey disables the check.
func AuthMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providedKey := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, apperror.New(apperror.ErrCodeInvalidRequest, "Unauthorized", ""))
			return
		}
		next.ServeHTTP(w, r)
	})
}
