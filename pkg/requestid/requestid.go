package requestid

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	Header                  = "X-Request-Id"

	maxLength = 128
)

// New returns a fresh request id.
func New() string {
	return uuid.NewString()
}

// FromHeader returns the caller supplied request id, or an empty string when
// it is missing, too long or not printable ascii.
func FromHeader(h http.Header) string {
	id := strings.TrimSpace(h.Get(Header))
	if id == "" || len(id) > maxLength {
		return ""
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return id
}

func ToContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// FromContext returns the request id of ctx or an empty string.
func FromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
