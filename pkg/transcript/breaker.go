package transcript

import (
	"context"
	"time"

	"github.com/mavu-ai/voicewire/internal/resilience"
)

// BreakerStore wraps a [Store] with a circuit breaker so a failing backend
// sheds writes instead of stalling every transcription event.
type BreakerStore struct {
	inner   Store
	breaker *resilience.CircuitBreaker
}

var _ Store = (*BreakerStore)(nil)

// WithBreaker wraps store with a circuit breaker named for logs.
func WithBreaker(store Store, name string) *BreakerStore {
	return &BreakerStore{
		inner: store,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
	}
}

// Append implements [Store]. While the breaker is open, entries are dropped
// with [resilience.ErrCircuitOpen].
func (b *BreakerStore) Append(ctx context.Context, sessionID string, entry Entry) error {
	return b.breaker.Execute(func() error {
		return b.inner.Append(ctx, sessionID, entry)
	})
}

// Recent implements [Store].
func (b *BreakerStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	var entries []Entry
	err := b.breaker.Execute(func() error {
		var err error
		entries, err = b.inner.Recent(ctx, sessionID, limit)
		return err
	})
	return entries, err
}
