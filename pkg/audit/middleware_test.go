package audit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContextMiddleware(t *testing.T) {
	t.Run("captures request metadata", func(t *testing.T) {
		var captured *RequestInfo
		handler := RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = RequestInfoFromContext(r.Context())
		}))

		req := httptest.NewRequest("POST", "/invoices/250089", nil)
		req.Header.Set("User-Agent", "test-agent")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.NotNil(t, captured)
		assert.Equal(t, "/invoices/250089", captured.Endpoint)
		assert.Equal(t, "POST", captured.Method)
		assert.Equal(t, "test-agent", captured.UserAgent)
		assert.NotEmpty(t, captured.RequestID)
		assert.Equal(t, captured.RequestID, w.Header().Get("X-Request-ID"))
	})

	t.Run("honors inbound request id", func(t *testing.T) {
		var captured *RequestInfo
		handler := RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = RequestInfoFromContext(r.Context())
		}))

		req := httptest.NewRequest("GET", "/audit/logs", nil)
		req.Header.Set("X-Request-ID", "upstream-77")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.NotNil(t, captured)
		assert.Equal(t, "upstream-77", captured.RequestID)
		assert.Equal(t, "upstream-77", w.Header().Get("X-Request-ID"))
	})

	t.Run("prefers forwarded client address", func(t *testing.T) {
		var captured *RequestInfo
		handler := RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = RequestInfoFromContext(r.Context())
		}))

		req := httptest.NewRequest("GET", "/audit/logs", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, captured)
		assert.Equal(t, "203.0.113.9", captured.RemoteAddr)
	})
}

func TestRequestInfoFromContext_Absent(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.Nil(t, RequestInfoFromContext(req.Context()))
}
