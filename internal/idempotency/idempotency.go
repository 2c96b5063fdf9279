// Package idempotency guards mutating requests against double execution.
//
// Flow:
//  1. Handler computes the request hash and calls Check(key, hash)
//  2. StateNew  → caller executes, then MUST call Record (or Abandon on failure)
//  3. StatePending → same key is mid-flight elsewhere; caller waits and re-checks
//  4. StateDuplicate → stored outcome is returned without re-executing
//  5. StateConflict → same key, different payload; caller error, never retried
//
// Records expire after a bounded retention window so storage stays bounded.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/guardianhq/guardian/internal/metrics"
	"github.com/guardianhq/guardian/internal/syncutil"
)

// Errors
var (
	ErrNotReserved = errors.New("idempotency: no pending reservation for key")
	ErrHashMismatch = errors.New("idempotency: request hash does not match reservation")
)

// State is the outcome of a Check.
type State string

const (
	StateNew       State = "new"       // Key unseen: caller proceeds and must Record
	StatePending   State = "pending"   // Another request holds the key mid-flight
	StateDuplicate State = "duplicate" // Key seen and completed: outcome returned
	StateConflict  State = "conflict"  // Key reused with a different payload
)

// Record is one stored idempotency entry.
type Record struct {
	Key         string          `json:"idempotencyKey"`
	RequestHash string          `json:"requestHash"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	Pending     bool            `json:"pending"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// CheckResult carries the state and, for duplicates, the stored outcome.
type CheckResult struct {
	State   State
	Outcome json.RawMessage
}

// Store persists idempotency records. Implementations must make Reserve
// atomic: exactly one concurrent caller wins the reservation for a key.
type Store interface {
	// Get returns the record for key, or nil if absent or expired.
	Get(ctx context.Context, key string) (*Record, error)

	// Reserve atomically inserts a pending record. Returns false if an
	// unexpired record already exists for key.
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (bool, error)

	// Complete sets the outcome on a pending record.
	Complete(ctx context.Context, key, requestHash string, outcome json.RawMessage) error

	// Release removes a pending record so the key can be retried (used when
	// execution failed before producing an outcome).
	Release(ctx context.Context, key string) error

	// Sweep removes expired records and returns how many were deleted.
	Sweep(ctx context.Context) (int, error)
}

// HashRequest produces the canonical hash of a request body used to detect
// key reuse with a different payload.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Guard wraps a Store with per-key serialization and the retention window.
type Guard struct {
	store  Store
	ttl    time.Duration
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
}

// NewGuard creates an idempotency guard with the given retention window.
func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{
		store:  store,
		ttl:    ttl,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
	}
}

// Check classifies a mutating request. A StateNew result reserves the key:
// the caller is obligated to eventually call Record or Abandon.
func (g *Guard) Check(ctx context.Context, key, requestHash string) (CheckResult, error) {
	unlock, err := g.locks.LockContext(ctx, key)
	if err != nil {
		return CheckResult{}, err
	}
	defer unlock()

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return CheckResult{}, err
	}

	if rec == nil {
		ok, err := g.store.Reserve(ctx, key, requestHash, time.Now().Add(g.ttl))
		if err != nil {
			return CheckResult{}, err
		}
		if !ok {
			// Lost a race against another process (possible with a shared
			// database behind multiple instances). Treat as pending.
			metrics.IdempotencyTotal.WithLabelValues(string(StatePending)).Inc()
			return CheckResult{State: StatePending}, nil
		}
		metrics.IdempotencyTotal.WithLabelValues(string(StateNew)).Inc()
		return CheckResult{State: StateNew}, nil
	}

	if rec.RequestHash != requestHash {
		metrics.IdempotencyTotal.WithLabelValues(string(StateConflict)).Inc()
		return CheckResult{State: StateConflict}, nil
	}

	if rec.Pending {
		metrics.IdempotencyTotal.WithLabelValues(string(StatePending)).Inc()
		return CheckResult{State: StatePending}, nil
	}

	metrics.IdempotencyTotal.WithLabelValues(string(StateDuplicate)).Inc()
	return CheckResult{State: StateDuplicate, Outcome: rec.Outcome}, nil
}

// Record stores the outcome for a previously reserved key.
func (g *Guard) Record(ctx context.Context, key, requestHash string, outcome json.RawMessage) error {
	unlock, err := g.locks.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return g.store.Complete(ctx, key, requestHash, outcome)
}

// Abandon releases a reservation whose execution failed before producing an
// outcome, so a retry with the same key can proceed.
func (g *Guard) Abandon(ctx context.Context, key string) error {
	unlock, err := g.locks.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	return g.store.Release(ctx, key)
}

// WaitForOutcome polls until a pending key resolves to a terminal state or
// ctx expires. Used by handlers that received StatePending: the winning
// request will Record shortly, and the duplicate then returns its outcome.
func (g *Guard) WaitForOutcome(ctx context.Context, key, requestHash string, pollEvery time.Duration) (CheckResult, error) {
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		res, err := g.Check(ctx, key, requestHash)
		if err != nil {
			return CheckResult{}, err
		}
		switch res.State {
		case StateDuplicate, StateConflict:
			return res, nil
		case StateNew:
			// The original holder abandoned; this caller now owns the key.
			return res, nil
		}

		select {
		case <-ctx.Done():
			return CheckResult{State: StatePending}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartSweeper periodically deletes expired records. Call in a goroutine;
// exits when ctx is done.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.Sweep(ctx)
			if err != nil {
				g.logger.Warn("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Debug("idempotency records expired", "count", n)
			}
		}
	}
}
