package run

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// breakerExecutor shields a flaky external system behind a circuit
// breaker. While the breaker is open, step executions fail immediately
// instead of hammering the collaborator.
type breakerExecutor struct {
	inner   StepExecutor
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the circuit breaker wrapping a step executor.
type BreakerSettings struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
}

// WrapWithBreaker decorates a step executor with a circuit breaker.
func WrapWithBreaker(inner StepExecutor, settings BreakerSettings) StepExecutor {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.Timeout == 0 {
		settings.Timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    settings.Name,
		Timeout: settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
	})

	return &breakerExecutor{inner: inner, breaker: cb}
}

func (b *breakerExecutor) Execute(ctx context.Context, in StepInput) (StepOutput, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Execute(ctx, in)
	})
	if err != nil {
		return StepOutput{}, err
	}
	return result.(StepOutput), nil
}
