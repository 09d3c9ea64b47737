package audit

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RequestInfo is the request metadata captured for a record's actor
// context. Everything here is best-effort; absent fields stay empty.
type RequestInfo struct {
	Endpoint   string
	Method     string
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

type contextKey string

const requestInfoKey contextKey = "audit_request_info"

// WithRequestInfo attaches request metadata to the context
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFromContext retrieves the request metadata, or nil when the
// call did not originate from an instrumented request
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	if info, ok := ctx.Value(requestInfoKey).(*RequestInfo); ok {
		return info
	}
	return nil
}

// RequestContextMiddleware captures per-request metadata so the recorder
// can stamp it into actor contexts. Each request gets a generated id,
// echoed back in the X-Request-ID response header.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		info := &RequestInfo{
			Endpoint:   r.URL.Path,
			Method:     r.Method,
			RemoteAddr: clientIP(r),
			UserAgent:  r.UserAgent(),
			RequestID:  requestID,
		}

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestInfo(r.Context(), info)))
	})
}

// clientIP prefers proxy-forwarded addresses over the socket peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
