package repository

import (
	"context"

	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReplyLogRepository stores one row per answered message.
type ReplyLogRepository struct {
	db dbtx
}

func NewReplyLogRepository(pool *pgxpool.Pool) *ReplyLogRepository {
	return &ReplyLogRepository{db: pool}
}

func (r *ReplyLogRepository) CreateReplyLog(ctx context.Context, entry service.ReplyLogEntry) (string, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`INSERT INTO reply_logs
			(request_id, owner_scope, sender_hash, topic, rule, source, retrieval_attempted, result_count, timed_out, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		nullableString(entry.RequestID),
		entry.OwnerScope,
		entry.SenderHash,
		entry.Topic,
		nullableString(entry.Rule),
		entry.Source,
		entry.RetrievalAttempted,
		entry.ResultCount,
		entry.TimedOut,
		entry.DurationMs,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}
