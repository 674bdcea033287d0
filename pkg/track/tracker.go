// Package track keeps per-session chunk bookkeeping: outbound pending/acked
// accounting with the commit gate, and inbound duplicate suppression over a
// bounded recent-id set.
package track

import (
	"context"
	"sync"
	"time"
)

// Default commit-gate parameters.
const (
	DefaultCommitWindow = 500 * time.Millisecond
	DefaultCommitPoll   = 20 * time.Millisecond

	// DefaultRecentIDCap bounds the inbound duplicate-suppression set. On
	// overflow the oldest half is evicted.
	DefaultRecentIDCap = 1000
)

// CommitDecision is the outcome of the commit gate after a stop request.
type CommitDecision int

const (
	// CommitSkip means nothing was ever sent: a deliberate no-op tap.
	// No commit, no error.
	CommitSkip CommitDecision = iota

	// CommitSoftFail means chunks were sent but none were acknowledged
	// within the window: skip the commit and surface a soft
	// "recording too short / network delay" condition.
	CommitSoftFail

	// CommitSend means at least one chunk was acknowledged: issue the commit.
	CommitSend
)

// String returns the decision name for logs.
func (d CommitDecision) String() string {
	switch d {
	case CommitSkip:
		return "skip"
	case CommitSoftFail:
		return "soft-fail"
	case CommitSend:
		return "send"
	default:
		return "unknown"
	}
}

// Tracker records outbound chunk acknowledgment state and suppresses inbound
// duplicates. The capture path is the sole caller of [Tracker.Sent]; the
// transport receive loop is the sole caller of [Tracker.Acked] and
// [Tracker.MarkSeen]. All methods are nonetheless safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	pending map[string]time.Time
	sent    int
	acked   int

	recentCap int
	recent    map[string]struct{}
	order     []string // insertion order for half-eviction
}

// New creates a Tracker with the given recent-id capacity.
// A non-positive capacity falls back to [DefaultRecentIDCap].
func New(recentCap int) *Tracker {
	if recentCap <= 0 {
		recentCap = DefaultRecentIDCap
	}
	return &Tracker{
		pending:   make(map[string]time.Time),
		recentCap: recentCap,
		recent:    make(map[string]struct{}, recentCap),
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// Sent records an outbound chunk id as pending acknowledgment.
func (t *Tracker) Sent(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = time.Now()
	t.sent++
}

// Acked resolves a pending chunk. Acks referencing unknown ids are ignored,
// preserving the acked ≤ sent invariant.
func (t *Tracker) Acked(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return
	}
	delete(t.pending, id)
	t.acked++
}

// PendingCount returns the number of sent-but-unacked chunks.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SentCount returns the number of chunks sent this utterance.
func (t *Tracker) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent
}

// AckedCount returns the number of acknowledged chunks this utterance.
func (t *Tracker) AckedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked
}

// Reset clears the outbound state between utterances. The inbound recent-id
// set is intentionally preserved: backend chunk ids span the whole session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]time.Time)
	t.sent = 0
	t.acked = 0
}

// AwaitCommit implements the commit gate. It waits up to window (polling
// every poll) for pending acks to resolve, returning early as soon as at
// least one ack has arrived. Zero values use the package defaults.
//
// Decision rules after the wait:
//   - nothing was ever sent        → CommitSkip
//   - sent > 0 but no ack arrived  → CommitSoftFail
//   - at least one ack arrived     → CommitSend
func (t *Tracker) AwaitCommit(ctx context.Context, window, poll time.Duration) CommitDecision {
	if window <= 0 {
		window = DefaultCommitWindow
	}
	if poll <= 0 {
		poll = DefaultCommitPoll
	}

	if t.SentCount() == 0 {
		return CommitSkip
	}

	deadline := time.Now().Add(window)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if t.AckedCount() >= 1 {
			return CommitSend
		}
		if time.Now().After(deadline) {
			return CommitSoftFail
		}
		select {
		case <-ctx.Done():
			return CommitSoftFail
		case <-ticker.C:
		}
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

// MarkSeen records an inbound chunk id and reports whether it was already
// seen. Check and record are a single atomic step with respect to the
// receive loop. At capacity the oldest half of the set is evicted.
func (t *Tracker) MarkSeen(id string) (duplicate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.recent[id]; ok {
		return true
	}

	if len(t.order) >= t.recentCap {
		half := len(t.order) / 2
		for _, old := range t.order[:half] {
			delete(t.recent, old)
		}
		t.order = append(t.order[:0], t.order[half:]...)
	}

	t.recent[id] = struct{}{}
	t.order = append(t.order, id)
	return false
}
