package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/cloo-solutions/crewbot/internal/api"
	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/replies"
	"github.com/cloo-solutions/crewbot/internal/telemetry"
)

// writeTracker records whether anything reached the client.
type writeTracker struct {
	http.ResponseWriter
	wrote atomic.Bool
}

func (t *writeTracker) WriteHeader(status int) {
	t.wrote.Store(true)
	t.ResponseWriter.WriteHeader(status)
}

func (t *writeTracker) Write(b []byte) (int, error) {
	t.wrote.Store(true)
	return t.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *writeTracker) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// Backstop is the outermost guard on the webhook. It recovers panics and, if
// the chain returned without writing anything, sends the acknowledgement so
// the channel never sees an empty or failed response.
func Backstop(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracker := &writeTracker{ResponseWriter: w}

		defer func() {
			rec := recover()
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			if rec != nil {
				err := fmt.Errorf("webhook handler panicked: %v", rec)
				slog.ErrorContext(r.Context(), "recovered panic", "error", err, "request_id", GetRequestID(r.Context()))
				telemetry.CaptureError(r.Context(), err)
			}
			if tracker.wrote.Load() {
				return
			}
			Annotate(r.Context(), AnnotationReplySource, string(domain.ReplySourceAcknowledgement))
			api.Success(tracker, http.StatusOK, api.ReplyPayload{
				Reply:  replies.Acknowledgement(),
				Source: string(domain.ReplySourceAcknowledgement),
			})
		}()

		next.ServeHTTP(tracker, r)
	})
}
