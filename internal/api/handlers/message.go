package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloo-solutions/crewbot/internal/api"
	"github.com/cloo-solutions/crewbot/internal/api/middleware"
	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/replies"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/cloo-solutions/crewbot/internal/telemetry"
)

const (
	// DefaultReplyWindow stays under the usual 10s channel webhook timeout.
	DefaultReplyWindow = 8 * time.Second
	defaultLogTimeout  = 3 * time.Second
	maxHints           = 8
)

// Responder produces the reply for a validated request.
type Responder interface {
	Respond(ctx context.Context, req domain.Request) service.Outcome
}

// MessageHandler receives channel webhooks. It races the responder against
// the reply window and always answers with exactly one reply.
type MessageHandler struct {
	responder  Responder
	window     time.Duration
	logs       service.ReplyLogRepository
	logTimeout time.Duration
	wg         sync.WaitGroup
}

// NewMessageHandler creates a handler that replies within window, or
// DefaultReplyWindow when window is not positive.
func NewMessageHandler(responder Responder, window time.Duration) *MessageHandler {
	if window <= 0 {
		window = DefaultReplyWindow
	}
	return &MessageHandler{
		responder:  responder,
		window:     window,
		logTimeout: defaultLogTimeout,
	}
}

// WithReplyLog records every answered message through repo.
func (h *MessageHandler) WithReplyLog(repo service.ReplyLogRepository) *MessageHandler {
	h.logs = repo
	return h
}

// Wait blocks until pending reply log writes finish.
func (h *MessageHandler) Wait() {
	h.wg.Wait()
}

type messageRequest struct {
	Sender     string   `json:"sender"`
	Text       string   `json:"text"`
	OwnerScope string   `json:"owner_scope"`
	Hints      []string `json:"hints"`
}

type decodeResult struct {
	req domain.Request
	err error
}

// Receive answers one inbound message. The reply window starts on arrival,
// so a body that trickles in still gets the acknowledgement in time.
func (h *MessageHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	timer := time.NewTimer(h.window)
	defer timer.Stop()

	decoded := make(chan decodeResult, 1)
	go func() {
		req, err := decodeMessage(r)
		if err == nil {
			err = domain.ValidateRequest(&req)
		}
		decoded <- decodeResult{req: req, err: err}
	}()

	var req domain.Request
	select {
	case d := <-decoded:
		if d.err != nil {
			h.rejectBody(w, r, d.err)
			return
		}
		req = d.req
	case <-timer.C:
		h.acknowledgeUnread(w, r)
		<-decoded
		return
	case <-r.Context().Done():
		<-decoded
		return
	}
	middleware.Annotate(r.Context(), middleware.AnnotationOwnerScope, req.OwnerScope)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	results := make(chan service.Outcome, 1)
	go func() {
		results <- h.respond(ctx, req)
	}()

	sink := api.NewReplySink(w, req.Sender)
	var (
		out      service.Outcome
		timedOut bool
	)
	select {
	case out = <-results:
		sink.Send(out.Reply)
	case <-timer.C:
		timedOut = true
		sink.Send(domain.Reply{Text: replies.Acknowledgement(), Source: domain.ReplySourceAcknowledgement})
		slog.WarnContext(r.Context(), "reply window elapsed, acknowledgement sent",
			"owner_scope", req.OwnerScope,
			"window_ms", h.window.Milliseconds(),
		)
	case <-r.Context().Done():
		slog.InfoContext(r.Context(), "client went away before reply", "owner_scope", req.OwnerScope)
		return
	}
	middleware.Annotate(r.Context(), middleware.AnnotationReplySource, string(sink.Source()))

	h.recordAsync(r.Context(), req, out, timedOut, results, time.Since(start))
}

// acknowledgeUnread answers before the body has been read. The body must not
// be read after the handler returns, so the caller still drains the decoder;
// the flush gets the reply to the client meanwhile.
func (h *MessageHandler) acknowledgeUnread(w http.ResponseWriter, r *http.Request) {
	sink := api.NewReplySink(w, "")
	sink.Send(domain.Reply{Text: replies.Acknowledgement(), Source: domain.ReplySourceAcknowledgement})
	middleware.Annotate(r.Context(), middleware.AnnotationReplySource, string(sink.Source()))
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.DebugContext(r.Context(), "flush failed", "error", err)
	}
	slog.WarnContext(r.Context(), "request body not read within reply window, acknowledgement sent",
		"window_ms", h.window.Milliseconds(),
	)
}

// rejectBody answers a body that could not be decoded. A read that hit the
// server's read deadline gets the acknowledgement rather than an error.
func (h *MessageHandler) rejectBody(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	var netErr net.Error
	switch {
	case errors.As(err, &maxErr):
		api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &netErr) && netErr.Timeout():
		h.acknowledgeUnread(w, r)
	default:
		api.HandleError(w, err)
	}
}

// respond shields the request from responder panics.
func (h *MessageHandler) respond(ctx context.Context, req domain.Request) (out service.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("responder panicked: %v", rec)
			slog.ErrorContext(ctx, "responder failed", "owner_scope", req.OwnerScope, "error", err)
			telemetry.CaptureError(ctx, err)
			out = service.Outcome{Reply: domain.Reply{Text: replies.Acknowledgement(), Source: domain.ReplySourceAcknowledgement}}
		}
	}()
	return h.responder.Respond(ctx, req)
}

// recordAsync writes the reply log off the request path. When the window
// elapsed it waits briefly for the discarded outcome so the log still says
// what the pipeline would have answered.
func (h *MessageHandler) recordAsync(reqCtx context.Context, req domain.Request, out service.Outcome, timedOut bool, late <-chan service.Outcome, elapsed time.Duration) {
	if h.logs == nil {
		return
	}
	requestID := middleware.GetRequestID(reqCtx)
	ctx := context.WithoutCancel(reqCtx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, h.logTimeout)
		defer cancel()

		source := string(out.Reply.Source)
		if timedOut {
			source = string(domain.ReplySourceAcknowledgement)
			select {
			case out = <-late:
			case <-ctx.Done():
			}
		}

		_, err := h.logs.CreateReplyLog(ctx, service.ReplyLogEntry{
			RequestID:          requestID,
			OwnerScope:         req.OwnerScope,
			SenderHash:         hashSender(req.Sender),
			Topic:              out.Topic.String(),
			Rule:               out.Rule,
			Source:             source,
			RetrievalAttempted: out.RetrievalAttempted,
			ResultCount:        out.ResultCount,
			TimedOut:           timedOut,
			DurationMs:         int(elapsed.Milliseconds()),
		})
		if err != nil {
			slog.Warn("failed to record reply log", "owner_scope", req.OwnerScope, "error", err)
		}
	}()
}

func hashSender(sender string) string {
	return domain.HashContent(strings.TrimSpace(sender))[:16]
}

// decodeMessage accepts the JSON body or the form-encoded body channel
// providers post (From, Body, To).
func decodeMessage(r *http.Request) (domain.Request, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		var body messageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			if passThrough(err) {
				return domain.Request{}, err
			}
			return domain.Request{}, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, domain.ErrMalformedRequest.Message, err)
		}
		return domain.Request{
			Sender:     strings.TrimSpace(body.Sender),
			Text:       body.Text,
			OwnerScope: strings.TrimSpace(body.OwnerScope),
			Hints:      cleanHints(body.Hints),
		}, nil
	}

	if err := r.ParseForm(); err != nil {
		if passThrough(err) {
			return domain.Request{}, err
		}
		return domain.Request{}, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, domain.ErrMalformedRequest.Message, err)
	}
	var hints []string
	for _, v := range r.PostForm["Hints"] {
		hints = append(hints, strings.Split(v, ",")...)
	}
	return domain.Request{
		Sender:     strings.TrimSpace(r.PostForm.Get("From")),
		Text:       r.PostForm.Get("Body"),
		OwnerScope: strings.TrimSpace(r.PostForm.Get("To")),
		Hints:      cleanHints(hints),
	}, nil
}

// passThrough reports read errors the handler answers itself instead of
// treating them as a malformed body.
func passThrough(err error) bool {
	var maxErr *http.MaxBytesError
	var netErr net.Error
	return errors.As(err, &maxErr) || (errors.As(err, &netErr) && netErr.Timeout())
}

func cleanHints(raw []string) []string {
	var hints []string
	for _, h := range raw {
		if h = strings.TrimSpace(h); h != "" {
			hints = append(hints, h)
		}
		if len(hints) == maxHints {
			break
		}
	}
	return hints
}
