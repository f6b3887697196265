// Package expression implements the sandboxed expression evaluator used by
// conditional and computed steps. Expressions pass a textual pre-filter, are
// compiled through expr-lang with a whitelisted function set, cached, and
// executed under a per-evaluation timeout. The evaluator fails closed: callers
// resolve every failure to a fallback value instead of propagating raw errors
// into the record stream.
package expression

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"dataflow-engine/internal/common/errors"
)

// ErrDisabled is returned for every evaluation while the evaluator is disabled
var ErrDisabled = errors.EvalError("expression evaluation is disabled", nil)

// Config controls evaluator limits
type Config struct {
	// MaxLength bounds expression size before parsing (DoS guard)
	MaxLength int
	// Timeout bounds a single evaluation
	Timeout time.Duration
	// CacheCapacity limits the number of cached compiled programs
	CacheCapacity int
	// CacheTTL expires cached programs that have gone cold
	CacheTTL time.Duration
	// RatePerSecond and Burst bound evaluation throughput; zero disables limiting
	RatePerSecond float64
	Burst         int
	// Disabled makes every evaluation fail with ErrDisabled
	Disabled bool
}

// DefaultConfig returns the evaluator limits used when none are supplied
func DefaultConfig() Config {
	return Config{
		MaxLength:     DefaultMaxLength,
		Timeout:       250 * time.Millisecond,
		CacheCapacity: 1000,
		CacheTTL:      5 * time.Minute,
		RatePerSecond: 0,
	}
}

// Evaluator compiles and evaluates sandboxed expressions against a record
// context. Safe for concurrent use.
type Evaluator struct {
	config   Config
	cache    *gocache.Cache
	mu       sync.Mutex
	limiter  *rate.Limiter
	disabled atomic.Bool

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an evaluator with the given limits; zero-valued fields fall back
// to DefaultConfig
func New(config Config) *Evaluator {
	defaults := DefaultConfig()
	if config.MaxLength <= 0 {
		config.MaxLength = defaults.MaxLength
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheCapacity <= 0 {
		config.CacheCapacity = defaults.CacheCapacity
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}

	e := &Evaluator{
		config: config,
		cache:  gocache.New(config.CacheTTL, 2*config.CacheTTL),
	}
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	e.disabled.Store(config.Disabled)

	return e
}

// SetDisabled toggles the global kill switch
func (e *Evaluator) SetDisabled(disabled bool) {
	e.disabled.Store(disabled)
}

// Validate checks that an expression passes the textual pre-filter and
// compiles under the sandboxed option set, without executing it
func (e *Evaluator) Validate(expression string) error {
	if e.disabled.Load() {
		return ErrDisabled
	}

	if err := CheckSource(expression, e.config.MaxLength); err != nil {
		return errors.EvalError(err.Error(), nil)
	}

	if _, err := expr.Compile(expression, GetSafeExprOptions(nil)...); err != nil {
		return errors.EvalError("expression failed to compile", err)
	}

	return nil
}

// Evaluate compiles (or fetches from cache) and runs an expression against the
// given environment. Execution is bounded by the configured timeout.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, env map[string]interface{}) (interface{}, error) {
	if e.disabled.Load() {
		return nil, ErrDisabled
	}

	if e.limiter != nil && !e.limiter.Allow() {
		return nil, errors.EvalError("expression evaluation rate limit exceeded", nil)
	}

	if err := CheckSource(expression, e.config.MaxLength); err != nil {
		return nil, errors.EvalError(err.Error(), nil)
	}

	program, err := e.compile(expression, env)
	if err != nil {
		return nil, err
	}

	return e.run(ctx, program, env)
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
// Non-boolean results follow truthiness: nil, zero, empty string/array/object
// are false, everything else true.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(ctx, expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case string:
		return v != "", nil
	case float64, float32, int, int64, int32:
		return toFloat64(v) != 0, nil
	case []interface{}:
		return len(v) > 0, nil
	case map[string]interface{}:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

// EvaluateWithFallback resolves any evaluation failure to the supplied
// fallback value. This is the entry point the orchestrator uses on hot
// per-record paths.
func (e *Evaluator) EvaluateWithFallback(ctx context.Context, expression string, env map[string]interface{}, fallback interface{}) interface{} {
	result, err := e.Evaluate(ctx, expression, env)
	if err != nil {
		return fallback
	}
	return result
}

// CacheHits returns the number of compiled-program cache hits
func (e *Evaluator) CacheHits() int64 {
	return e.hits.Load()
}

// CacheMisses returns the number of compilations not served from cache
func (e *Evaluator) CacheMisses() int64 {
	return e.misses.Load()
}

func (e *Evaluator) compile(expression string, env map[string]interface{}) (*vm.Program, error) {
	if cached, found := e.cache.Get(expression); found {
		if program, ok := cached.(*vm.Program); ok {
			e.hits.Add(1)
			return program, nil
		}
	}

	e.misses.Add(1)

	program, err := expr.Compile(expression, GetSafeExprOptions(env)...)
	if err != nil {
		return nil, errors.EvalError("failed to compile expression", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache.ItemCount() >= e.config.CacheCapacity {
		e.cache.DeleteExpired()
		// Still full: serve the program uncached
		if e.cache.ItemCount() >= e.config.CacheCapacity {
			return program, nil
		}
	}
	e.cache.Set(expression, program, gocache.DefaultExpiration)

	return program, nil
}

// run executes a compiled program with the evaluation timeout applied. The
// worker goroutine is abandoned on timeout; expr programs cannot be preempted
// mid-run, so the result channel is buffered to let it finish and exit.
func (e *Evaluator) run(ctx context.Context, program *vm.Program, env map[string]interface{}) (interface{}, error) {
	type evalResult struct {
		value interface{}
		err   error
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resultCh := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- evalResult{err: errors.EvalError("expression panicked during evaluation", nil)}
			}
		}()

		value, err := expr.Run(program, env)
		if err != nil {
			resultCh <- evalResult{err: errors.EvalError("expression failed during evaluation", err)}
			return
		}
		resultCh <- evalResult{value: value}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.TimeoutError("expression evaluation")
	case res := <-resultCh:
		return res.value, res.err
	}
}
