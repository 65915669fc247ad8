package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/callbridge/pkg/realtime"
)

// GuardedProvider is a [realtime.Provider] whose dials go through a
// [CircuitBreaker].
type GuardedProvider struct {
	next realtime.Provider
	cb   *CircuitBreaker
}

// Guard wraps next so that Connect fails fast with [ErrCircuitOpen] while cb
// is open.
func Guard(next realtime.Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{next: next, cb: cb}
}

// Connect dials through the breaker.
func (g *GuardedProvider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	var handle realtime.SessionHandle
	err := g.cb.Execute(func() error {
		var err error
		handle, err = g.next.Connect(ctx, cfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: %w", err)
	}
	return handle, nil
}

// Check reports [ErrCircuitOpen] while the breaker rejects dials. Its
// signature matches a health checker.
func (g *GuardedProvider) Check(context.Context) error {
	if g.cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Breaker returns the underlying circuit breaker.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.cb }

var _ realtime.Provider = (*GuardedProvider)(nil)
