package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dataflow-engine/internal/config"
	"dataflow-engine/internal/engine/store"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		pipeline string
		limit    int
	)

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List past pipeline runs",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, pipeline, limit, cmd)
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "filter by pipeline code")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to show")

	return cmd
}

func runHistory(opts *RootOptions, pipeline string, limit int, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	history, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open run history store: %w", err)
	}
	defer history.Close()

	runs, err := history.ListRuns(cmd.Context(), pipeline, limit)
	if err != nil {
		return err
	}

	return formatter.Success(runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "no runs recorded")
			return
		}
		for _, r := range runs {
			fmt.Fprintf(w, "%s  %-22s %-10s processed=%d failed=%d %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.PipelineCode, r.Status,
				r.Metrics.RecordsProcessed, r.Metrics.RecordsFailed,
				r.Metrics.Duration)
		}
	})
}
