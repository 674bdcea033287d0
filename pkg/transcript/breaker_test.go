package transcript_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mavu-ai/voicewire/internal/resilience"
	"github.com/mavu-ai/voicewire/pkg/transcript"
)

var errStoreDown = errors.New("store down")

// failingStore fails every call until healed.
type failingStore struct {
	inner  transcript.Store
	broken bool
}

func (s *failingStore) Append(ctx context.Context, sessionID string, entry transcript.Entry) error {
	if s.broken {
		return errStoreDown
	}
	return s.inner.Append(ctx, sessionID, entry)
}

func (s *failingStore) Recent(ctx context.Context, sessionID string, limit int) ([]transcript.Entry, error) {
	if s.broken {
		return nil, errStoreDown
	}
	return s.inner.Recent(ctx, sessionID, limit)
}

func TestBreakerStore_PassesThroughWhenHealthy(t *testing.T) {
	t.Parallel()
	inner := transcript.NewMemStore(0)
	store := transcript.WithBreaker(inner, "test")

	entry := transcript.Entry{Role: transcript.RoleUser, Text: "hello", Timestamp: time.Now()}
	if err := store.Append(context.Background(), "s-1", entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Recent(context.Background(), "s-1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestBreakerStore_OpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	backing := &failingStore{inner: transcript.NewMemStore(0), broken: true}
	store := transcript.WithBreaker(backing, "test")

	entry := transcript.Entry{Role: transcript.RoleUser, Text: "hello", Timestamp: time.Now()}
	for i := 0; i < 5; i++ {
		if err := store.Append(context.Background(), "s-1", entry); !errors.Is(err, errStoreDown) {
			t.Fatalf("Append %d = %v, want store error", i, err)
		}
	}

	// The breaker is open now; the backing store stops seeing calls.
	backing.broken = false
	err := store.Append(context.Background(), "s-1", entry)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Append while open = %v, want ErrCircuitOpen", err)
	}
}
