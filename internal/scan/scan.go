// Package scan implements wallet scan sessions: probe fan-out, evidence
// blending into a trust score, session persistence, and the streaming HTTP
// surface.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/guardianhq/guardian/internal/pagination"
	"github.com/guardianhq/guardian/internal/probes"
)

// Errors
var (
	ErrSessionNotFound = errors.New("scan: session not found")
	ErrSessionFinished = errors.New("scan: session already finished")
	ErrNoProbes        = errors.New("scan: no probes requested")
)

// Status is the lifecycle state of a scan session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"  // All probes reached a terminal state in time
	StatusPartial   Status = "partial"   // Session deadline hit with probes outstanding
	StatusCancelled Status = "cancelled" // Client went away before completion
)

// Request describes one scan to run.
type Request struct {
	Address    string        `json:"address"`
	Network    string        `json:"network"`
	ProbeTypes []probes.Type `json:"probeTypes,omitempty"` // Empty means the full probe set
	UserID     string        `json:"-"`
}

// TrustScore is the blended output of a scan.
type TrustScore struct {
	// Score is 0 (avoid) to 100 (no adverse evidence found).
	Score float64 `json:"score"`

	// Confidence (0..1) reflects evidence quality and coverage: it drops
	// when probes fail or evidence is stale, never because the subject
	// is risky.
	Confidence float64 `json:"confidence"`

	// RiskFlags is the deduplicated union of flags across all evidence,
	// sorted for stable output.
	RiskFlags []string `json:"riskFlags"`

	// ContributingProbeIDs lists the probes whose evidence fed this score,
	// in request order.
	ContributingProbeIDs []string `json:"contributingProbeIds"`

	// Partial is true when the score was computed without every requested
	// probe reporting.
	Partial bool `json:"partial"`

	ProbesOK     int       `json:"probesOk"`
	ProbesFailed int       `json:"probesFailed"`
	ComputedAt   time.Time `json:"computedAt"`
}

// Session is one scan execution and its audit record.
type Session struct {
	ID          string         `json:"id"`
	Address     string         `json:"address"`
	Network     string         `json:"network"`
	Status      Status         `json:"status"`
	Probes      []probes.Probe `json:"probes"`
	Score       *TrustScore    `json:"score,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	DurationMS  int64          `json:"durationMs"`
}

// Finished reports whether the session reached a terminal status.
func (s *Session) Finished() bool {
	return s.Status != StatusRunning
}

// Store persists scan sessions for replay and audit. Finish is write-once:
// implementations reject a second terminal write for the same session.
//
// ListByAddress returns sessions newest-first. A non-nil cursor restricts the
// page to sessions strictly older than the cursor position.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Finish(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListByAddress(ctx context.Context, address, network string, limit int, before *pagination.Cursor) ([]*Session, error)
}

// Event is one streamed update from a running scan. Every probe completion
// carries the trust score as recomputed over the probes that have reported so
// far, so a consumer watches the score tighten as evidence arrives. Exactly
// one final event (Final=true, carrying the session) terminates every stream.
type Event struct {
	Final   bool         `json:"-"`
	Probe   probes.Probe `json:"probe,omitempty"`
	Score   *TrustScore  `json:"trustScore,omitempty"`
	Session *Session     `json:"session,omitempty"`
}
