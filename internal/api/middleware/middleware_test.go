package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloo-solutions/crewbot/internal/replies"
	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", seen)
}

func TestProbeGuard(t *testing.T) {
	called := false
	h := ProbeGuard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodOptions} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, "/webhook/messages", nil))
		assert.Equal(t, http.StatusOK, w.Code, method)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String(), method)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/webhook/messages", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, called)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func decodeReply(t *testing.T, body []byte) map[string]string {
	t.Helper()
	var envelope struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Data
}

func TestBackstop_WritesAcknowledgementWhenNothingWritten(t *testing.T) {
	h := Backstop(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeReply(t, w.Body.Bytes())
	assert.Equal(t, replies.Acknowledgement(), data["reply"])
	assert.Equal(t, "acknowledgement", data["source"])
}

func TestBackstop_RecoversPanic(t *testing.T) {
	h := Backstop(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map write")
	}))

	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, replies.Acknowledgement(), decodeReply(t, w.Body.Bytes())["reply"])
}

func TestBackstop_LeavesWrittenResponseAlone(t *testing.T) {
	h := Backstop(okHandler(`{"data":{"reply":"composed"}}`))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))

	assert.Equal(t, `{"data":{"reply":"composed"}}`, w.Body.String())
}

func TestBackstop_PanicAfterWriteDoesNotWriteTwice(t *testing.T) {
	h := Backstop(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		panic("late failure")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))

	assert.Equal(t, "partial", w.Body.String())
}

func TestAccessLog_IncludesAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestID(AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), AnnotationOwnerScope, "acme")
		Annotate(r.Context(), AnnotationReplySource, "fallback")
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodPost, "/webhook/messages", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http_request", entry["msg"])
	assert.Equal(t, "acme", entry["owner_scope"])
	assert.Equal(t, "fallback", entry["reply_source"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "203.0.113.9", entry["remote_addr"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestAnnotate_OutsideChainIsNoOp(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() {
		Annotate(req.Context(), AnnotationOwnerScope, "acme")
	})
}

func TestMaxBodyBytes(t *testing.T) {
	h := MaxBodyBytes(10)(okHandler("ok"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 20))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSentryMiddleware_PassesThrough(t *testing.T) {
	h := SentryMiddleware(okHandler("ok"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestHTTPStatusToSpanStatus(t *testing.T) {
	assert.Equal(t, sentry.SpanStatusOK, httpStatusToSpanStatus(http.StatusOK))
	assert.Equal(t, sentry.SpanStatusInvalidArgument, httpStatusToSpanStatus(http.StatusBadRequest))
	assert.Equal(t, sentry.SpanStatusOutOfRange, httpStatusToSpanStatus(http.StatusRequestEntityTooLarge))
	assert.Equal(t, sentry.SpanStatusDeadlineExceeded, httpStatusToSpanStatus(http.StatusGatewayTimeout))
	assert.Equal(t, sentry.SpanStatusInternalError, httpStatusToSpanStatus(http.StatusBadGateway))
}

func TestWriterWrappers_PassFlushThrough(t *testing.T) {
	flushing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("early"))
		require.NoError(t, http.NewResponseController(w).Flush())
	})
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	w := httptest.NewRecorder()
	AccessLog(logger)(Backstop(flushing)).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook/messages", nil))

	assert.True(t, w.Flushed)
	assert.Equal(t, "early", w.Body.String())
}
