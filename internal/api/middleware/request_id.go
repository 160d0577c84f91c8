package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	// webhook deliveries already carry a unique id; reusing it ties the
	// access log line to the inbound event row
	headerDelivery = "X-GitHub-Delivery"

	maxRequestIDLen = 128
)

type requestIDKey struct{}

// RequestID assigns every request an id, taken from the caller when it
// sends a usable one, and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := firstValidID(r.Header.Get(HeaderRequestID), r.Header.Get(headerDelivery))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id RequestID stored in ctx, or ""
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func firstValidID(candidates ...string) string {
	for _, c := range candidates {
		if validID(c) {
			return c
		}
	}
	return ""
}

// validID accepts short printable ASCII ids so they are safe to log and echo
func validID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
