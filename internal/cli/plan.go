package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dataflow-engine/internal/engine/run"
)

// PlanResult holds the computed execution plan.
type PlanResult struct {
	Batches [][]string `json:"batches"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <definition>",
		Short: "Show the execution plan for a pipeline definition",
		Long: `Show the batched execution plan derived from the pipeline graph.

Steps within a batch have no dependencies on each other and may execute
concurrently; batches execute in order.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runPlan(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	plan, err := run.NewPlan(def)
	if err != nil {
		return err
	}
	batches, err := plan.Batches()
	if err != nil {
		return err
	}

	result := PlanResult{Batches: batches}
	return formatter.Success(result, func(w io.Writer) {
		for i, batch := range batches {
			fmt.Fprintf(w, "batch %d: %s\n", i+1, strings.Join(batch, ", "))
		}
	})
}
