// Package probes implements the fixed set of evidence-gathering units.
//
// A probe is one independent read against one external data source. Probes
// never talk to each other and never see the trust score; they read the
// evidence cache, fetch from their provider on a miss, and write back on
// success. Everything else (timeouts, fan-out, blending) belongs to the
// orchestrator.
package probes

import (
	"errors"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// Errors
var (
	ErrUnknownProbeType  = errors.New("probes: unknown probe type")
	ErrProviderNotSet    = errors.New("probes: provider not configured")
	ErrProviderUnhealthy = errors.New("probes: provider circuit open")
)

// Type identifies one kind of evidence source.
type Type string

const (
	TypeContract   Type = "contract"   // Contract verification status
	TypeSanctions  Type = "sanctions"  // Sanctions and label lookups
	TypeApprovals  Type = "approvals"  // Token approval graph
	TypeLiquidity  Type = "liquidity"  // Liquidity depth and honeypot checks
	TypeReputation Type = "reputation" // Third-party reputation score
)

// AllTypes returns the full probe registry order. The order is fixed so scans
// that request "all probes" are reproducible.
func AllTypes() []Type {
	return []Type{TypeContract, TypeSanctions, TypeApprovals, TypeLiquidity, TypeReputation}
}

// ValidType reports whether t names a registered probe type.
func ValidType(t Type) bool {
	switch t {
	case TypeContract, TypeSanctions, TypeApprovals, TypeLiquidity, TypeReputation:
		return true
	}
	return false
}

// Status is a probe's lifecycle state. A probe is written exactly once to a
// terminal status by its own execution; no other component mutates it.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusTimeout || s == StatusError
}

// Probe is one execution record within a scan session.
type Probe struct {
	ID        string             `json:"id"`
	Type      Type               `json:"type"`
	Status    Status             `json:"status"`
	Evidence  *evidence.Evidence `json:"evidence,omitempty"`
	LatencyMS int64              `json:"latencyMs"`
	Provider  string             `json:"provider,omitempty"`
	FetchedAt time.Time          `json:"fetchedAt,omitempty"`
	Error     string             `json:"error,omitempty"`
	FromCache bool               `json:"fromCache,omitempty"`
}

// Risk flags derived from probe evidence. Additive, not mutually exclusive.
const (
	FlagUnverifiedContract = "unverified_contract"
	FlagRecentlyCreated    = "recently_created"
	FlagSanctioned         = "sanctioned"
	FlagMixerExposure      = "mixer_exposure"
	FlagUnlimitedApprovals = "unlimited_approvals"
	FlagRiskyApprovals     = "risky_approvals"
	FlagHoneypot           = "honeypot"
	FlagThinLiquidity      = "thin_liquidity"
	FlagPoorReputation     = "poor_reputation"
)
