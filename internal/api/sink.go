package api

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cloo-solutions/crewbot/internal/domain"
)

// ReplySink owns the response for one inbound message and lets exactly one
// reply through. The safety-net timer and the responder both call Send; the
// loser's reply is discarded.
type ReplySink struct {
	w       http.ResponseWriter
	to      string
	claimed atomic.Bool
	mu      sync.Mutex
	source  domain.ReplySource
}

// NewReplySink wraps w for a reply addressed to recipient.
func NewReplySink(w http.ResponseWriter, recipient string) *ReplySink {
	return &ReplySink{w: w, to: recipient}
}

// Send writes reply if nothing has been sent yet and reports whether it did.
func (s *ReplySink) Send(reply domain.Reply) bool {
	if !s.claimed.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.source = reply.Source
	s.mu.Unlock()

	Success(s.w, http.StatusOK, ReplyPayload{
		To:     s.to,
		Reply:  reply.Text,
		Source: string(reply.Source),
	})
	return true
}

// Sent reports whether a reply has been written.
func (s *ReplySink) Sent() bool {
	return s.claimed.Load()
}

// Source returns the source of the reply that won, or "" if none was sent.
func (s *ReplySink) Source() domain.ReplySource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}
