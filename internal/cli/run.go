package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dataflow-engine/internal/common/logging"
	"dataflow-engine/internal/config"
	"dataflow-engine/internal/engine/adapter"
	"dataflow-engine/internal/engine/checkpoint"
	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/expression"
	"dataflow-engine/internal/engine/operator"
	"dataflow-engine/internal/engine/run"
	"dataflow-engine/internal/engine/store"
)

// RunFlags holds the run command's flags.
type RunFlags struct {
	Seed     string
	Pipeline string
	Policy   string
	MaxSteps int
	Resume   bool
	RunID    string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Execute a pipeline definition",
		Long: `Execute a pipeline definition against the built-in file adapters.

Engine settings (checkpoint backend, run history database, expression
limits) come from the environment; see the config package for the full
list of variables. Flags override the orchestrator defaults.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(rootOpts, flags, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&flags.Seed, "seed", "", "JSON file of seed records handed to the trigger step")
	cmd.Flags().StringVar(&flags.Pipeline, "pipeline", "", "pipeline code (default: definition file name)")
	cmd.Flags().StringVar(&flags.Policy, "policy", "", "error policy (FAIL_FAST|CONTINUE), overrides ERROR_POLICY")
	cmd.Flags().IntVar(&flags.MaxSteps, "max-concurrent-steps", 0, "step-level parallelism, overrides MAX_CONCURRENT_STEPS")
	cmd.Flags().BoolVar(&flags.Resume, "resume", false, "resume from the run's last flushed checkpoints")
	cmd.Flags().StringVar(&flags.RunID, "run-id", "", "run identifier to resume (required with --resume)")

	return cmd
}

// RunSummary is the run command's output payload.
type RunSummary struct {
	Run          *run.Run          `json:"run"`
	RecordErrors []run.RecordError `json:"recordErrors,omitempty"`
}

func runPipeline(opts *RootOptions, flags *RunFlags, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if flags.Resume && flags.RunID == "" {
		return fmt.Errorf("--resume requires --run-id")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	def, err := loadDefinition(path)
	if err != nil {
		return err
	}
	seed, err := loadSeed(flags.Seed)
	if err != nil {
		return err
	}

	code := flags.Pipeline
	if code == "" {
		code = pipelineCode(path)
	}

	logger := logging.GetGlobalLogger()

	history, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open run history store: %w", err)
	}
	defer history.Close()

	checkpoints, cleanup, err := newCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	evaluator := expression.New(expression.Config{
		MaxLength:     cfg.ExprMaxLength,
		Timeout:       cfg.ExprTimeout,
		CacheCapacity: cfg.ExprCacheCapacity,
		Disabled:      cfg.ExprDisabled,
	})

	executors := run.NewMemoryExecutorRegistry()
	adapter.RegisterExecutors(executors, cmd.ErrOrStderr(), logger)

	orchestrator := run.NewOrchestrator(
		executors,
		operator.NewRunner(evaluator),
		evaluator,
		checkpoints,
		run.NewGateController(),
		run.WithHistory(history),
		run.WithValidator(definition.NewValidator(adapter.DefaultRegistry(), nil)),
		run.WithLogger(logger),
	)

	runOpts := run.Options{
		MaxConcurrentSteps: cfg.MaxConcurrentSteps,
		ErrorPolicy:        run.ErrorPolicy(strings.ToUpper(cfg.ErrorPolicy)),
		Resume:             flags.Resume,
		RunID:              flags.RunID,
	}
	if flags.MaxSteps > 0 {
		runOpts.MaxConcurrentSteps = flags.MaxSteps
	}
	if flags.Policy != "" {
		runOpts.ErrorPolicy = run.ErrorPolicy(strings.ToUpper(flags.Policy))
	}

	formatter.VerboseLog("executing pipeline %s (%d steps)", code, len(def.Steps))

	result, err := orchestrator.Execute(cmd.Context(), code, def, seed, runOpts)
	if err != nil {
		return err
	}

	summary := RunSummary{Run: result.Run, RecordErrors: result.RecordErrors}
	render := func(w io.Writer) { printRunSummary(w, summary) }

	if result.Run.Status != run.StatusCompleted {
		return formatter.Failure(fmt.Sprintf("run %s finished %s", result.Run.ID, result.Run.Status), summary, render)
	}
	return formatter.Success(summary, render)
}

func newCheckpointStore(cfg *config.Config) (checkpoint.Store, func(), error) {
	if strings.EqualFold(cfg.CheckpointBackend, "redis") {
		redisStore, err := checkpoint.NewRedisStore(&checkpoint.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
			TTL:      cfg.CheckpointTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		return redisStore, func() { redisStore.Close() }, nil
	}
	return checkpoint.NewMemoryStore(), func() {}, nil
}

func printRunSummary(w io.Writer, summary RunSummary) {
	r := summary.Run
	fmt.Fprintf(w, "run %s: %s\n", r.ID, r.Status)
	fmt.Fprintf(w, "  processed: %d  failed: %d  duration: %s\n",
		r.Metrics.RecordsProcessed, r.Metrics.RecordsFailed, r.Metrics.Duration)
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, re := range summary.RecordErrors {
		fmt.Fprintf(w, "  record error: step=%s index=%d attempts=%d %s\n",
			re.StepKey, re.RecordIndex, re.Attempts, re.Message)
	}
}
