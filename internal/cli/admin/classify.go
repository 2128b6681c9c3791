package admin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cloo-solutions/crewbot/internal/cli"
	"github.com/cloo-solutions/crewbot/internal/config"
	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/intent"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/spf13/cobra"
)

// ClassifyCmd returns the classify command
func ClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show how a message would be routed and answered",
		Long: `Run a message through the reply pipeline and print the topic, the rule that
decided it and the reply. Retrieval is skipped unless --retrieve is set, in
which case the configured store and embedding provider are used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runClassify,
	}

	cmd.Flags().StringSlice("hint", nil, "Topic hint from the channel (repeatable)")
	cmd.Flags().String("owner", "cli", "Owner scope used for retrieval")
	cmd.Flags().Bool("retrieve", false, "Query the configured retrieval store")
	cli.AddOutputFlag(cmd)

	return cmd
}

type classifyResult struct {
	Topic       string `json:"topic"`
	Reason      string `json:"reason"`
	Rule        string `json:"rule"`
	GenericHelp bool   `json:"generic_help"`
	Source      string `json:"source"`
	Results     int    `json:"results"`
	Reply       string `json:"reply"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	format, err := cli.OutputFormat(cmd)
	if err != nil {
		return err
	}
	hints, _ := cmd.Flags().GetStringSlice("hint")
	owner, _ := cmd.Flags().GetString("owner")
	retrieve, _ := cmd.Flags().GetBool("retrieve")
	text := strings.Join(args, " ")
	ctx := contextOrBackground(cmd)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	var provider service.RetrieverProvider
	if retrieve {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		backend := newBackend(cfg)
		defer backend.close()

		loader := service.NewRetrieverLoader(backend.buildRetriever, service.LoaderConfig{
			InitTimeout: cfg.LoaderInitTimeout,
			MaxAttempts: 1,
		})
		defer loader.Close()
		if !loader.Get(ctx).Available() {
			return fmt.Errorf("retrieval unavailable: %w", loader.Err())
		}
		provider = loader
	}

	req := domain.Request{Sender: "cli", Text: text, OwnerScope: owner, Hints: hints}
	classification := intent.Explain(text, hints)
	out := service.NewResponder(provider).Respond(ctx, req)

	result := classifyResult{
		Topic:       out.Topic.String(),
		Reason:      string(classification.Reason),
		Rule:        out.Rule,
		GenericHelp: intent.IsGenericHelp(text),
		Source:      string(out.Reply.Source),
		Results:     out.ResultCount,
		Reply:       out.Reply.Text,
	}
	if result.GenericHelp {
		result.Reason = string(intent.ReasonGenericHelp)
	}

	if format == cli.FormatJSON {
		return cli.WriteJSON(cmd.OutOrStdout(), result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "topic:   %s\n", result.Topic)
	fmt.Fprintf(w, "reason:  %s (%s)\n", result.Reason, result.Rule)
	fmt.Fprintf(w, "source:  %s\n", result.Source)
	if retrieve {
		fmt.Fprintf(w, "results: %d\n", result.Results)
	}
	fmt.Fprintf(w, "\n%s\n", result.Reply)
	return nil
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
