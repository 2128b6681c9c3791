package admin

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloo-solutions/crewbot/internal/cli"
	"github.com/cloo-solutions/crewbot/internal/config"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/cloo-solutions/crewbot/internal/storage"
	"github.com/spf13/cobra"
)

// IngestCmd returns the ingest command
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index tenant documents for retrieval",
		Long: `Chunk, embed and store the documents of one tenant. Documents come from a
local directory (--dir) or from the configured S3 bucket (--s3-prefix).
Unchanged chunks are skipped, so re-running is cheap.`,
		RunE: runIngest,
	}

	cmd.Flags().String("owner", "", "Owner scope the documents belong to")
	cmd.Flags().String("dir", "", "Local directory to ingest")
	cmd.Flags().String("s3-prefix", "", "Key prefix in the configured S3 bucket")
	cmd.Flags().String("prefix", "", "Only ingest keys under this prefix (with --dir)")
	cmd.Flags().Int("concurrency", 4, "Parallel embedding calls per document")
	cmd.Flags().Bool("no-migrate", false, "Skip database migrations before ingesting")
	cmd.Flags().String("migrations", "migrations", "Directory holding the SQL migrations")
	_ = cmd.MarkFlagRequired("owner")
	cmd.MarkFlagsMutuallyExclusive("dir", "s3-prefix")
	cmd.MarkFlagsOneRequired("dir", "s3-prefix")
	cli.AddOutputFlag(cmd)

	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	format, err := cli.OutputFormat(cmd)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetString("owner")
	dir, _ := cmd.Flags().GetString("dir")
	s3Prefix, _ := cmd.Flags().GetString("s3-prefix")
	prefix, _ := cmd.Flags().GetString("prefix")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		source service.DocumentSource
		origin string
	)
	if dir != "" {
		source = storage.NewLocalDir(dir)
		origin = "dir"
	} else {
		if !cfg.HasS3() {
			return fmt.Errorf("--s3-prefix needs CREWBOT_S3_ENDPOINT, CREWBOT_S3_ACCESS_KEY_ID and CREWBOT_S3_SECRET_ACCESS_KEY")
		}
		s3Client, err := newS3Source(ctx, cfg)
		if err != nil {
			return err
		}
		source = s3Client
		origin = "s3"
		prefix = s3Prefix
	}

	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate && !cfg.UsesSQLite() && cfg.DatabaseURL != "" {
		migrationsDir, _ := cmd.Flags().GetString("migrations")
		if err := runMigrations(cfg.DatabaseURL, migrationsDir); err != nil {
			return err
		}
	}

	backend := newBackend(cfg)
	defer backend.close()

	ingester, err := backend.ingestService(ctx, concurrency)
	if err != nil {
		return err
	}

	stats, err := ingester.IngestSource(ctx, source, owner, prefix, origin)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	if format == cli.FormatJSON {
		return cli.WriteJSON(cmd.OutOrStdout(), map[string]any{
			"owner_scope": owner,
			"documents":   stats.Documents,
			"failed":      stats.Failed,
			"chunks":      stats.Chunks,
			"inserted":    stats.Inserted,
			"skipped":     stats.Skipped,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ingested %d document(s) for %s\n", stats.Documents, owner)
	fmt.Fprintf(out, "  chunks:   %d (%d new, %d unchanged)\n", stats.Chunks, stats.Inserted, stats.Skipped)
	if stats.Failed > 0 {
		fmt.Fprintf(out, "  failed:   %d (see log)\n", stats.Failed)
	}
	return nil
}
