package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloo-solutions/crewbot/internal/service"
)

// SourceIngester indexes every document under a prefix of a source.
type SourceIngester interface {
	IngestSource(ctx context.Context, src service.DocumentSource, ownerScope, prefix, origin string) (service.SourceStats, error)
}

// IngesterFunc opens the ingester on demand, so the store and embedding client
// are only built once a sync actually runs.
type IngesterFunc func(ctx context.Context) (SourceIngester, error)

// SyncTarget is one tenant's document prefix.
type SyncTarget struct {
	OwnerScope string
	Prefix     string
}

// SyncWorker re-ingests document prefixes from a source. Unchanged chunks are
// skipped by the store, so repeated runs only pay for new content.
type SyncWorker struct {
	open    IngesterFunc
	source  service.DocumentSource
	origin  string
	targets []SyncTarget
}

// NewSyncWorker creates a SyncWorker for targets in source.
func NewSyncWorker(open IngesterFunc, source service.DocumentSource, origin string, targets []SyncTarget) *SyncWorker {
	return &SyncWorker{
		open:    open,
		source:  source,
		origin:  origin,
		targets: targets,
	}
}

// ProcessJobs implements the JobProcessor interface. A failing target does
// not stop the others; the first failure is returned.
func (w *SyncWorker) ProcessJobs(ctx context.Context) error {
	if len(w.targets) == 0 {
		return nil
	}

	ingester, err := w.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open ingester: %w", err)
	}

	var firstErr error
	for _, target := range w.targets {
		stats, err := ingester.IngestSource(ctx, w.source, target.OwnerScope, target.Prefix, w.origin)
		if err != nil {
			slog.Error("document sync failed",
				"owner_scope", target.OwnerScope,
				"prefix", target.Prefix,
				"error", err,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("sync %s: %w", target.OwnerScope, err)
			}
			continue
		}
		slog.Info("document sync complete",
			"owner_scope", target.OwnerScope,
			"prefix", target.Prefix,
			"documents", stats.Documents,
			"failed", stats.Failed,
			"inserted", stats.Inserted,
			"skipped", stats.Skipped,
		)
	}
	return firstErr
}

// ParseSyncTargets reads "owner" or "owner:prefix" entries. A bare owner syncs
// the "owner/" prefix.
func ParseSyncTargets(entries []string) ([]SyncTarget, error) {
	targets := make([]SyncTarget, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		owner, prefix, found := strings.Cut(entry, ":")
		owner = strings.TrimSpace(owner)
		if owner == "" {
			return nil, fmt.Errorf("invalid sync target %q: missing owner scope", entry)
		}
		if !found {
			prefix = owner + "/"
		}
		targets = append(targets, SyncTarget{OwnerScope: owner, Prefix: strings.TrimSpace(prefix)})
	}
	return targets, nil
}
