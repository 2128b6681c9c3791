package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/intent"
	"github.com/cloo-solutions/crewbot/internal/replies"
	"github.com/cloo-solutions/crewbot/internal/telemetry"
)

// RetrieverProvider hands out the current retriever. RetrieverLoader implements it.
type RetrieverProvider interface {
	Get(ctx context.Context) Retriever
}

// ResponderConfig controls the retrieval step of the reply pipeline.
type ResponderConfig struct {
	RetrievalK       int
	RetrievalTimeout time.Duration
}

// DefaultResponderConfig returns the default responder configuration.
func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		RetrievalK:       DefaultRetrievalK,
		RetrievalTimeout: 5 * time.Second,
	}
}

// Outcome is a reply plus what the pipeline did to produce it.
type Outcome struct {
	Reply              domain.Reply
	Topic              domain.Topic
	Rule               string
	RetrievalAttempted bool
	ResultCount        int
	Elapsed            time.Duration
}

// Responder runs the single-pass reply pipeline: generic help menu, topic
// classification, deadline-bounded retrieval and composition, topic fallback.
type Responder struct {
	retrievers RetrieverProvider
	cfg        ResponderConfig
}

// NewResponder creates a Responder with the default configuration.
func NewResponder(retrievers RetrieverProvider) *Responder {
	return NewResponderWithConfig(retrievers, DefaultResponderConfig())
}

// NewResponderWithConfig creates a Responder with explicit configuration.
func NewResponderWithConfig(retrievers RetrieverProvider, cfg ResponderConfig) *Responder {
	defaults := DefaultResponderConfig()
	if cfg.RetrievalK <= 0 {
		cfg.RetrievalK = defaults.RetrievalK
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaults.RetrievalTimeout
	}
	return &Responder{retrievers: retrievers, cfg: cfg}
}

// Respond always returns a non-empty reply. It never retries within a request.
func (r *Responder) Respond(ctx context.Context, req domain.Request) Outcome {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "responder.respond", telemetry.SpanAttributes{
		OwnerScope: req.OwnerScope,
		Operation:  "respond",
	})
	defer span.End()

	out := r.respond(ctx, req)
	out.Elapsed = time.Since(start)

	span.SetTag("topic", out.Topic.String())
	span.SetTag("reply_source", string(out.Reply.Source))

	slog.InfoContext(ctx, "reply produced",
		"owner_scope", req.OwnerScope,
		"topic", out.Topic.String(),
		"rule", out.Rule,
		"source", string(out.Reply.Source),
		"retrieval_attempted", out.RetrievalAttempted,
		"result_count", out.ResultCount,
		"elapsed_ms", out.Elapsed.Milliseconds(),
	)
	return out
}

func (r *Responder) respond(ctx context.Context, req domain.Request) Outcome {
	// Raw text only: a stray hint must not hide the menu.
	if intent.IsGenericHelp(req.Text) {
		return Outcome{
			Reply: domain.Reply{Text: replies.Menu(), Source: domain.ReplySourceMenu},
			Topic: domain.TopicNone,
			Rule:  string(intent.ReasonGenericHelp),
		}
	}

	classification := intent.Explain(req.Text, req.Hints)
	out := Outcome{Topic: classification.Topic, Rule: classification.Rule}

	retriever := r.retriever(ctx)
	if retriever.Available() {
		out.RetrievalAttempted = true

		retrieveCtx, cancel := context.WithTimeout(ctx, r.cfg.RetrievalTimeout)
		results := retriever.Retrieve(retrieveCtx, req.OwnerScope, biasedQuery(classification.Topic, req.Text), r.cfg.RetrievalK)
		cancel()

		out.ResultCount = len(results)
		if text, ok := Compose(results); ok {
			out.Reply = domain.Reply{Text: text, Source: domain.ReplySourceComposed}
			return out
		}
	}

	out.Reply = domain.Reply{Text: replies.Fallback(classification.Topic), Source: domain.ReplySourceFallback}
	return out
}

func (r *Responder) retriever(ctx context.Context) Retriever {
	if r.retrievers == nil {
		return DegradedRetriever{}
	}
	if retriever := r.retrievers.Get(ctx); retriever != nil {
		return retriever
	}
	return DegradedRetriever{}
}

// biasedQuery prefixes the topic so retrieval leans toward the matching guide.
func biasedQuery(topic domain.Topic, text string) string {
	if topic == domain.TopicNone {
		return text
	}
	return string(topic) + ": " + text
}
