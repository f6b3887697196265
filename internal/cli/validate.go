package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dataflow-engine/internal/engine/adapter"
	"dataflow-engine/internal/engine/definition"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "validate <definition>",
		Short: "Validate a pipeline definition",
		Long: `Validate a pipeline definition file without running it.

Levels build on each other: syntax checks structural shape, semantic adds
adapter registry and graph topology checks, full adds cross-pipeline
dependency checks.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], level, cmd)
		},
	}

	cmd.Flags().StringVar(&level, "level", "semantic", "validation level (syntax|semantic|full)")

	return cmd
}

func parseLevel(s string) (definition.Level, error) {
	switch strings.ToLower(s) {
	case "syntax":
		return definition.LevelSyntax, nil
	case "semantic":
		return definition.LevelSemantic, nil
	case "full":
		return definition.LevelFull, nil
	default:
		return 0, fmt.Errorf("invalid level %q: must be syntax, semantic, or full", s)
	}
}

func runValidate(opts *RootOptions, path, levelName string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	level, err := parseLevel(levelName)
	if err != nil {
		return err
	}

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	formatter.VerboseLog("validating %s at level %s", path, strings.ToLower(levelName))

	validator := definition.NewValidator(adapter.DefaultRegistry(), nil)
	result := validator.Validate(cmd.Context(), def, level)

	if !result.Valid() {
		return formatter.Failure("pipeline definition is invalid", result, func(w io.Writer) {
			fmt.Fprintf(w, "INVALID: %d issue(s)\n", len(result.Issues))
			for _, issue := range result.Issues {
				fmt.Fprintf(w, "  - %s\n", issue.String())
			}
			printWarnings(w, result)
		})
	}

	return formatter.Success(result, func(w io.Writer) {
		fmt.Fprintln(w, "OK: pipeline definition is valid")
		printWarnings(w, result)
	})
}

func printWarnings(w io.Writer, result definition.Result) {
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning.String())
	}
}
