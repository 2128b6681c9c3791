package domain

// ReplySource tells which stage of the pipeline produced a reply.
type ReplySource string

const (
	ReplySourceMenu            ReplySource = "menu"
	ReplySourceComposed        ReplySource = "composed"
	ReplySourceFallback        ReplySource = "fallback"
	ReplySourceAcknowledgement ReplySource = "acknowledgement"
)

// Reply is a complete outbound answer. It is never partially written.
type Reply struct {
	Text   string
	Source ReplySource
}
