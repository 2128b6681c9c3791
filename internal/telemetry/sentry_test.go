package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyDSNIsNoOp(t *testing.T) {
	shutdown, err := Init(Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotPanics(t, shutdown)
}

func TestSkipTrace(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"GET /health", true},
		{"http.server GET /health", true},
		{"HEAD /webhook/messages", true},
		{"GET /webhook/messages", true},
		{"POST /webhook/messages", false},
		{"responder.respond", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, skipTrace(tt.name))
		})
	}
}

func TestStartSpan_WithoutClient(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "retrieval.retrieve", SpanAttributes{
		OwnerScope: "acme",
		Topic:      "jobs",
		Operation:  "retrieve",
	})
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	assert.NotPanics(t, func() {
		span.SetTag("reply_source", "fallback")
		span.SetTag("empty", "")
		span.SetStatus(sentry.SpanStatusOK)
		span.SetError(errors.New("boom"))
		span.SetError(nil)
		span.End()
	})
}

func TestSpan_ZeroValue(t *testing.T) {
	var span Span
	assert.NotPanics(t, func() {
		span.SetTag("k", "v")
		span.SetStatus(sentry.SpanStatusOK)
		span.SetError(errors.New("boom"))
		span.End()
	})
	assert.NotNil(t, span.Context())
}

func TestCaptureError_Nil(t *testing.T) {
	assert.NotPanics(t, func() {
		CaptureError(context.Background(), nil)
		CaptureError(context.Background(), errors.New("boom"))
		AddBreadcrumb(context.Background(), "reply", "acknowledgement sent")
	})
}
