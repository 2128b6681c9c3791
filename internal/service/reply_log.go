package service

import "context"

// ReplyLogEntry captures how one inbound message was answered, for offline
// diagnosis of slow or degraded replies.
type ReplyLogEntry struct {
	RequestID          string
	OwnerScope         string
	SenderHash         string
	Topic              string
	Rule               string
	Source             string
	RetrievalAttempted bool
	ResultCount        int
	TimedOut           bool
	DurationMs         int
}

// ReplyLogRepository persists reply logs.
type ReplyLogRepository interface {
	CreateReplyLog(ctx context.Context, entry ReplyLogEntry) (string, error)
}
