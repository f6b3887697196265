package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/common/logging"
	"dataflow-engine/internal/common/utils"
	"dataflow-engine/internal/engine/checkpoint"
	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/expression"
	"dataflow-engine/internal/engine/record"
)

const (
	defaultRetryDelay  = 100 * time.Millisecond
	maxRetryDelay      = 30 * time.Second
	exponentialFactor  = 2.0
	defaultGatePreview = 10
)

// Orchestrator walks a validated pipeline DAG, dispatches steps to their
// executors, and aggregates run-level metrics and errors.
type Orchestrator struct {
	executors   ExecutorRegistry
	operators   OperatorRunner
	evaluator   *expression.Evaluator
	checkpoints checkpoint.Store
	history     HistoryStore
	gates       *GateController
	validator   *definition.Validator
	logger      logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory enables run persistence. Persistence failures are logged as
// warnings and never fail a run.
func WithHistory(history HistoryStore) Option {
	return func(o *Orchestrator) { o.history = history }
}

// WithValidator makes Execute validate the definition before any step runs.
func WithValidator(v *definition.Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithLogger overrides the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func NewOrchestrator(
	executors ExecutorRegistry,
	operators OperatorRunner,
	evaluator *expression.Evaluator,
	checkpoints checkpoint.Store,
	gates *GateController,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		executors:   executors,
		operators:   operators,
		evaluator:   evaluator,
		checkpoints: checkpoints,
		gates:       gates,
		logger:      logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Gates exposes the controller so an API layer can list, approve, and
// reject parked gates.
func (o *Orchestrator) Gates() *GateController {
	return o.gates
}

// runState is the mutable state shared by the concurrent branches of one
// run. The mutex guards every map; record slices are written once by the
// single executor instance that owns the step.
type runState struct {
	mu           sync.Mutex
	run          *Run
	results      map[string][]record.Record          // step key -> output
	routed       map[string]map[string][]record.Record // ROUTE key -> branch -> records
	states       map[string]StepState
	recordErrors []RecordError
	stepErrors   *multierror.Error
	failed       int64
}

func (s *runState) setState(key string, state StepState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
}

func (s *runState) state(key string) StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[key]
}

func (s *runState) setResult(key string, records []record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[key] = records
}

func (s *runState) addRecordError(re RecordError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErrors = append(s.recordErrors, re)
	s.failed++
}

func (s *runState) addStepError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepErrors = multierror.Append(s.stepErrors, err)
}

// Execute runs one pipeline to completion. The seed records feed every
// TRIGGER root; a manual run passes the trigger payload here. The returned
// error is non-nil only for definition rejection or orchestrator-internal
// failure; step failures are reported through the Result.
func (o *Orchestrator) Execute(
	ctx context.Context,
	pipelineCode string,
	def *definition.PipelineDefinition,
	seed []record.Record,
	opts Options,
) (*Result, error) {
	if o.validator != nil {
		result := o.validator.Validate(ctx, def, definition.LevelSemantic)
		if !result.Valid() {
			return nil, errors.DefinitionError(result.Error().Error())
		}
	}

	plan, err := NewPlan(def)
	if err != nil {
		return nil, errors.DefinitionError(err.Error())
	}
	batches, err := plan.Batches()
	if err != nil {
		return nil, errors.DefinitionError(err.Error())
	}

	runID := opts.RunID
	if runID == "" {
		runID = utils.GenerateRunID()
	}

	state := &runState{
		run: &Run{
			ID:           runID,
			PipelineCode: pipelineCode,
			Status:       StatusPending,
			StepStates:   make(map[string]StepState),
			StartedAt:    time.Now(),
		},
		results: make(map[string][]record.Record),
		routed:  make(map[string]map[string][]record.Record),
		states:  make(map[string]StepState, len(def.Steps)),
	}
	for _, step := range def.Steps {
		state.states[step.Key] = StepPending
	}

	if !opts.Resume {
		if err := o.checkpoints.Clear(ctx, runID); err != nil {
			o.logger.Warn("failed to clear checkpoint state",
				logging.String("run_id", runID), logging.Err(err))
		}
	}

	o.persistRun(ctx, state, StatusRunning, true)
	o.logger.Info("run started",
		logging.String("run_id", runID),
		logging.String("pipeline", pipelineCode),
		logging.Int("steps", len(def.Steps)))

	runErr := o.executeBatches(ctx, plan, batches, seed, opts, state)

	return o.finalize(ctx, plan, state, runErr), nil
}

// executeBatches walks the plan batch by batch. Under FAIL_FAST the first
// step error aborts the walk; under CONTINUE failures are recorded and
// steps fed exclusively by failed or skipped steps are skipped.
func (o *Orchestrator) executeBatches(
	ctx context.Context,
	plan *Plan,
	batches [][]string,
	seed []record.Record,
	opts Options,
	state *runState,
) error {
	policy := opts.effectivePolicy()

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return errors.CancelledError("run cancelled", err)
		}

		g, batchCtx := errgroup.WithContext(ctx)
		g.SetLimit(opts.effectiveConcurrency())

		for _, stepKey := range batch {
			stepKey := stepKey
			step, ok := plan.Step(stepKey)
			if !ok {
				return errors.InternalError(fmt.Sprintf("step %q not found in plan", stepKey), nil)
			}

			if o.shouldSkip(plan, stepKey, state) {
				state.setState(stepKey, StepSkipped)
				continue
			}

			g.Go(func() error {
				err := o.executeStep(batchCtx, plan, step, seed, state)
				if err == nil {
					return nil
				}
				if errors.IsType(err, errors.ErrTypeCancelled) {
					return err
				}

				state.setState(stepKey, StepFailed)
				stepErr := errors.StepError(stepKey, "step execution failed", err)
				if policy == FailFast {
					return stepErr
				}

				state.addStepError(stepErr)
				o.logger.Warn("step failed, continuing per error policy",
					logging.String("run_id", state.run.ID),
					logging.String("step", stepKey),
					logging.Err(err))
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return errors.CancelledError("run cancelled", ctx.Err())
			}
			return err
		}
	}

	return nil
}

// shouldSkip reports whether every predecessor of a step has failed or
// been skipped. A step fed by at least one surviving predecessor runs on
// the surviving records.
func (o *Orchestrator) shouldSkip(plan *Plan, stepKey string, state *runState) bool {
	preds := plan.Predecessors(stepKey)
	if len(preds) == 0 {
		return false
	}
	for _, pred := range preds {
		switch state.state(pred) {
		case StepFailed, StepSkipped:
		default:
			return false
		}
	}
	return true
}

func (o *Orchestrator) executeStep(
	ctx context.Context,
	plan *Plan,
	step definition.Step,
	seed []record.Record,
	state *runState,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError(fmt.Sprintf("step executor panicked: %v", r), nil)
		}
	}()

	state.setState(step.Key, StepRunning)
	input := o.gatherInput(plan, step, state)

	var output []record.Record
	switch step.Type {
	case definition.StepTrigger:
		output = o.executeTrigger(plan, step, seed, input)
	case definition.StepTransform:
		output, err = o.executeTransform(ctx, step, flatten(input), state)
	case definition.StepRoute:
		err = o.executeRoute(ctx, step, flatten(input), state)
	case definition.StepGate:
		output, err = o.executeGate(ctx, step, flatten(input), state)
	default:
		output, err = o.executeExternal(ctx, step, input, state)
	}
	if err != nil {
		return err
	}

	if state.state(step.Key) == StepRunning {
		state.setState(step.Key, StepDone)
	}
	state.setResult(step.Key, output)
	o.flushCheckpoints(ctx, state.run.ID)
	return nil
}

// gatherInput collects each completed predecessor's output, keyed by
// predecessor step key. When the predecessor is a ROUTE step, only the
// partition for this edge's branch label is passed along.
func (o *Orchestrator) gatherInput(plan *Plan, step definition.Step, state *runState) map[string][]record.Record {
	input := make(map[string][]record.Record)

	state.mu.Lock()
	defer state.mu.Unlock()

	for _, pred := range plan.Predecessors(step.Key) {
		if state.states[pred] != StepDone {
			continue
		}
		if partitions, isRoute := state.routed[pred]; isRoute {
			branch := plan.EdgeBranch(pred, step.Key)
			input[pred] = partitions[branch]
			continue
		}
		input[pred] = state.results[pred]
	}
	return input
}

// executeTrigger seeds root triggers with the run's input records.
// Non-root triggers pass their input through unchanged.
func (o *Orchestrator) executeTrigger(plan *Plan, step definition.Step, seed []record.Record, input map[string][]record.Record) []record.Record {
	if len(plan.Predecessors(step.Key)) == 0 {
		return record.CloneAll(seed)
	}
	return flatten(input)
}

// executeTransform applies the operator chain to each record, retrying
// failed records per the step's retryPerRecord policy before dropping
// them. Record order is preserved; concurrency within the step is bounded
// by the step's own concurrency setting.
func (o *Orchestrator) executeTransform(
	ctx context.Context,
	step definition.Step,
	records []record.Record,
	state *runState,
) ([]record.Record, error) {
	if o.operators == nil {
		return nil, errors.StepError(step.Key, "no operator runner configured", nil)
	}

	out := make([]record.Record, len(records))
	dropped := make([]bool, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(step.EffectiveConcurrency())

	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			result, attempts, err := o.applyWithRetry(gctx, step, rec)
			if err != nil {
				if errors.IsType(err, errors.ErrTypeCancelled) {
					return err
				}
				dropped[i] = true
				state.addRecordError(RecordError{
					StepKey:     step.Key,
					RecordIndex: i,
					Message:     err.Error(),
					Attempts:    attempts,
					OccurredAt:  time.Now(),
				})
				return nil
			}
			if result == nil {
				// Filtered out by the chain, not an error
				dropped[i] = true
				return nil
			}
			out[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := make([]record.Record, 0, len(records))
	for i := range out {
		if !dropped[i] {
			kept = append(kept, out[i])
		}
	}
	return kept, nil
}

// applyWithRetry runs the operator chain on one record with up to
// 1+maxRetries attempts. FIXED backoff repeats the base delay; EXPONENTIAL
// doubles it per attempt, capped.
func (o *Orchestrator) applyWithRetry(
	ctx context.Context,
	step definition.Step,
	rec record.Record,
) (record.Record, int, error) {
	retry := step.RetryPerRecord
	maxAttempts := 1
	baseDelay := defaultRetryDelay
	factor := 1.0
	if retry != nil {
		maxAttempts = 1 + retry.MaxRetries
		if retry.RetryDelayMs > 0 {
			baseDelay = time.Duration(retry.RetryDelayMs) * time.Millisecond
		}
		if retry.Backoff == definition.BackoffExponential {
			factor = exponentialFactor
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := utils.BackoffDelay(baseDelay, factor, attempt-1, maxRetryDelay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt, errors.CancelledError("run cancelled during record retry", ctx.Err())
			}
		}

		result, err := o.operators.Apply(ctx, step.Operators, record.Clone(rec))
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err
	}

	return nil, maxAttempts, lastErr
}

// executeRoute partitions records across the step's branches. Each record
// lands in the first branch whose condition evaluates true; a branch
// without a condition is a catch-all. Evaluation failures fail closed:
// the record does not match that branch. Records matching no branch land
// in the remainder partition keyed "", which unlabeled edges receive, so
// routing never loses records.
func (o *Orchestrator) executeRoute(
	ctx context.Context,
	step definition.Step,
	records []record.Record,
	state *runState,
) error {
	partitions := make(map[string][]record.Record, len(step.Branches)+1)
	for _, branch := range step.Branches {
		partitions[branch.Name] = nil
	}

	for _, rec := range records {
		matched := false
		for _, branch := range step.Branches {
			if branch.When == "" {
				partitions[branch.Name] = append(partitions[branch.Name], rec)
				matched = true
				break
			}
			match, ok := o.evaluateCondition(ctx, branch.When, rec)
			if !ok {
				o.logger.Warn("branch condition failed, record excluded from branch",
					logging.String("run_id", state.run.ID),
					logging.String("step", step.Key),
					logging.String("branch", branch.Name))
				continue
			}
			if match {
				partitions[branch.Name] = append(partitions[branch.Name], rec)
				matched = true
				break
			}
		}
		if !matched {
			partitions[""] = append(partitions[""], rec)
		}
	}

	state.mu.Lock()
	state.routed[step.Key] = partitions
	state.mu.Unlock()
	return nil
}

// evaluateCondition runs a branch condition against one record. The second
// return value is false when evaluation itself failed.
func (o *Orchestrator) evaluateCondition(ctx context.Context, condition string, rec record.Record) (bool, bool) {
	if o.evaluator == nil {
		return false, false
	}
	env := map[string]interface{}{"record": map[string]interface{}(rec)}
	match, err := o.evaluator.EvaluateBool(ctx, condition, env)
	if err != nil {
		return false, false
	}
	return match, true
}

// executeGate parks the run until an approver decides. Approval passes the
// pending records through; rejection marks the gate and its whole subtree
// SKIPPED.
func (o *Orchestrator) executeGate(
	ctx context.Context,
	step definition.Step,
	records []record.Record,
	state *runState,
) ([]record.Record, error) {
	previewCount := defaultGatePreview
	if v, ok := step.Config["previewCount"]; ok {
		if n, ok := toPositiveInt(v); ok {
			previewCount = n
		}
	}

	view := GateView{
		RunID:   state.run.ID,
		StepKey: step.Key,
		Preview: previewRecords(records, previewCount),
		Pending: len(records),
	}

	state.setState(step.Key, StepAwaiting)
	o.persistRun(ctx, state, StatusRunning, false)
	o.logger.Info("gate awaiting approval",
		logging.String("run_id", state.run.ID),
		logging.String("step", step.Key),
		logging.Int("pending_records", len(records)))

	decisions := o.gates.park(view)
	decision, err := awaitGate(ctx, decisions)
	if err != nil {
		o.gates.unpark(state.run.ID, step.Key)
		return nil, err
	}

	if decision == GateRejected {
		state.setState(step.Key, StepSkipped)
		o.logger.Info("gate rejected",
			logging.String("run_id", state.run.ID),
			logging.String("step", step.Key))
		return nil, nil
	}

	state.setState(step.Key, StepDone)
	return records, nil
}

// executeExternal dispatches a step to its registered executor and applies
// the returned cursor to the checkpoint store.
func (o *Orchestrator) executeExternal(
	ctx context.Context,
	step definition.Step,
	input map[string][]record.Record,
	state *runState,
) ([]record.Record, error) {
	exec, ok := o.executors.Executor(step.Type)
	if !ok {
		return nil, errors.StepError(step.Key, fmt.Sprintf("no executor registered for step type %s", step.Type), nil)
	}

	cursor, found, err := o.checkpoints.Get(ctx, state.run.ID, step.Key)
	if err != nil {
		o.logger.Warn("failed to load checkpoint cursor",
			logging.String("run_id", state.run.ID),
			logging.String("step", step.Key),
			logging.Err(err))
	}
	if !found {
		cursor = nil
	}

	stepKey := step.Key
	output, err := exec.Execute(ctx, StepInput{
		Step:    step,
		Records: input,
		Cursor:  cursor,
		ReportRecordError: func(index int, recordErr error) {
			state.addRecordError(RecordError{
				StepKey:     stepKey,
				RecordIndex: index,
				Message:     recordErr.Error(),
				Attempts:    1,
				OccurredAt:  time.Now(),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if output.Cursor != nil {
		if err := o.checkpoints.Set(ctx, state.run.ID, step.Key, output.Cursor); err != nil {
			o.logger.Warn("failed to record checkpoint cursor",
				logging.String("run_id", state.run.ID),
				logging.String("step", step.Key),
				logging.Err(err))
		}
	}

	return output.Records, nil
}

// flushCheckpoints persists accumulated cursor mutations once per step
// boundary, guarded by the dirty flag. Persistence failure is a warning;
// the run proceeds but resume correctness is no longer guaranteed.
func (o *Orchestrator) flushCheckpoints(ctx context.Context, runID string) {
	dirty, err := o.checkpoints.IsDirty(ctx, runID)
	if err != nil || !dirty {
		return
	}
	if err := o.checkpoints.Flush(ctx, runID); err != nil {
		o.logger.Warn("checkpoint flush failed, resume correctness not guaranteed",
			logging.String("run_id", runID), logging.Err(err))
	}
}

// finalize computes the terminal status, persists the run, and assembles
// the result. A FAIL_FAST abort or cancellation sets FAILED/CANCELLED;
// CONTINUE runs complete even with recorded step errors. The processed
// counter is the record count delivered by terminal steps, so each record
// is counted once however many steps it crossed.
func (o *Orchestrator) finalize(ctx context.Context, plan *Plan, state *runState, runErr error) *Result {
	state.mu.Lock()
	var processed int64
	for key, st := range state.states {
		if st == StepDone && len(plan.Successors(key)) == 0 {
			processed += int64(len(state.results[key]))
		}
	}
	state.run.Metrics = Metrics{
		RecordsProcessed: processed,
		RecordsFailed:    state.failed,
		Duration:         time.Since(state.run.StartedAt),
	}
	state.run.StepStates = make(map[string]StepState, len(state.states))
	for key, st := range state.states {
		state.run.StepStates[key] = st
	}
	if state.stepErrors != nil {
		state.run.Error = state.stepErrors.Error()
	}
	recordErrors := make([]RecordError, len(state.recordErrors))
	copy(recordErrors, state.recordErrors)
	state.mu.Unlock()

	status := StatusCompleted
	switch {
	case runErr != nil && errors.IsType(runErr, errors.ErrTypeCancelled):
		status = StatusCancelled
		state.run.Error = runErr.Error()
	case runErr != nil:
		status = StatusFailed
		state.run.Error = runErr.Error()
	}

	now := time.Now()
	state.run.FinishedAt = &now
	o.persistRun(ctx, state, status, false)
	o.persistRecordErrors(ctx, state.run.ID, recordErrors)

	o.logger.Info("run finished",
		logging.String("run_id", state.run.ID),
		logging.String("status", string(status)),
		logging.Int64("records_processed", state.run.Metrics.RecordsProcessed),
		logging.Int64("records_failed", state.run.Metrics.RecordsFailed),
		logging.Duration("duration", state.run.Metrics.Duration))

	return &Result{Run: state.run, RecordErrors: recordErrors}
}

// persistRun advances the run status (never backwards out of a terminal
// state) and writes it to history when configured.
func (o *Orchestrator) persistRun(ctx context.Context, state *runState, status Status, create bool) {
	state.mu.Lock()
	if !state.run.Status.Terminal() {
		state.run.Status = status
	}
	for key, st := range state.states {
		state.run.StepStates[key] = st
	}
	r := *state.run
	state.mu.Unlock()

	if o.history == nil {
		return
	}

	var err error
	if create {
		err = o.history.SaveRun(ctx, &r)
	} else {
		err = o.history.UpdateRun(ctx, &r)
	}
	if err != nil {
		o.logger.Warn("failed to persist run",
			logging.String("run_id", r.ID), logging.Err(err))
	}
}

func (o *Orchestrator) persistRecordErrors(ctx context.Context, runID string, recordErrors []RecordError) {
	if o.history == nil || len(recordErrors) == 0 {
		return
	}
	if err := o.history.SaveRecordErrors(ctx, runID, recordErrors); err != nil {
		o.logger.Warn("failed to persist record errors",
			logging.String("run_id", runID), logging.Err(err))
	}
}

func flatten(input map[string][]record.Record) []record.Record {
	var out []record.Record
	for _, key := range sortedKeys(input) {
		out = append(out, input[key]...)
	}
	return out
}

func toPositiveInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n, true
		}
	case int64:
		if n > 0 {
			return int(n), true
		}
	case float64:
		if n > 0 {
			return int(n), true
		}
	}
	return 0, false
}
