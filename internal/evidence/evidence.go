// Package evidence defines the typed output of a probe and the TTL cache
// shared by all probes.
//
// Evidence is the confidence- and freshness-annotated result of one probe
// against one external data source. Probes read the cache before hitting a
// provider and write back only on success; a failed fetch is never cached,
// so a transient provider outage self-heals on the next scan.
package evidence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Evidence is the typed result of a successful probe fetch.
type Evidence struct {
	// Subscore is the probe's contribution to the trust score, 0 (worst)
	// to 100 (best), computed by the probe's typed adapter.
	Subscore float64 `json:"subscore"`

	// Confidence is source-intrinsic trust in this evidence (0..1), e.g.
	// an on-chain read is 1.0 while a third-party label API is lower.
	Confidence float64 `json:"confidence"`

	// Flags are risk flags derived from threshold rules on the raw value
	// (e.g. "unverified_contract", "sanctioned"). Additive across probes.
	Flags []string `json:"flags,omitempty"`

	// SourceProvider identifies which provider produced this evidence.
	SourceProvider string `json:"sourceProvider"`

	// FetchedAt is when the provider was queried.
	FetchedAt time.Time `json:"fetchedAt"`

	// Raw optionally carries the original provider payload for audit.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// FreshnessSec returns the age of this evidence in whole seconds at t.
func (e Evidence) FreshnessSec(t time.Time) int64 {
	if e.FetchedAt.IsZero() || t.Before(e.FetchedAt) {
		return 0
	}
	return int64(t.Sub(e.FetchedAt) / time.Second)
}

// Key identifies one cache slot: what was asked, where, and by which probe type.
type Key struct {
	Address   string
	Network   string
	ProbeType string
}

// String renders the key in a stable form usable for map lookups and
// singleflight grouping.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Network, k.Address, k.ProbeType)
}
