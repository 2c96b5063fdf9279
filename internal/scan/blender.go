package scan

import (
	"sort"
	"time"

	"github.com/guardianhq/guardian/internal/probes"
)

// probeWeights is the contribution of each probe type to the blended score.
// Weights sum to 1.0 over the full probe set; scans that request or complete
// a subset are renormalized over the probes that actually reported.
var probeWeights = map[probes.Type]float64{
	probes.TypeContract:   0.25,
	probes.TypeSanctions:  0.25,
	probes.TypeApprovals:  0.20,
	probes.TypeLiquidity:  0.15,
	probes.TypeReputation: 0.15,
}

// sanctionedScoreCap is the hard ceiling applied whenever sanctions evidence
// is present, regardless of how well other probes scored.
const sanctionedScoreCap = 15

// Freshness decay: evidence loses confidence linearly down to decayFloor over
// decayWindow. Decay is a function of evidence age at blend time, so a replay
// from the stored session reproduces the same score bit for bit.
const (
	decayWindow = 24 * time.Hour
	decayFloor  = 0.5
)

func freshnessDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	if age >= decayWindow {
		return decayFloor
	}
	return 1.0 - (1.0-decayFloor)*float64(age)/float64(decayWindow)
}

// Blend combines terminal probe results into a trust score. It is a pure
// function of its inputs: the same probe records and reference time always
// produce the same score, confidence, and flags.
//
// Score is the weighted mean of subscores over probes that completed OK, with
// weights renormalized over those probes. Confidence is the weighted mean of
// per-evidence confidence (source-intrinsic times freshness decay), scaled by
// the weight share of reporting probes over requested probes; failures and
// timeouts lower confidence, never the score directly.
func Blend(results []probes.Probe, requested []probes.Type, at time.Time) TrustScore {
	ts := TrustScore{ComputedAt: at, ContributingProbeIDs: []string{}}

	var requestedWeight float64
	for _, t := range requested {
		requestedWeight += probeWeights[t]
	}

	var (
		okWeight   float64
		scoreSum   float64
		confSum    float64
		sanctioned bool
		flagSet    = map[string]struct{}{}
	)
	for _, p := range results {
		switch p.Status {
		case probes.StatusOK:
			// Counted below
		case probes.StatusTimeout, probes.StatusError:
			ts.ProbesFailed++
			continue
		default:
			// Non-terminal probes (still running at snapshot time, or caught
			// mid-flight by the deadline) count as missing: they lower
			// coverage exactly like failures.
			ts.ProbesFailed++
			continue
		}

		w := probeWeights[p.Type]
		if w == 0 || p.Evidence == nil {
			continue
		}
		ts.ProbesOK++
		ts.ContributingProbeIDs = append(ts.ContributingProbeIDs, p.ID)
		okWeight += w
		scoreSum += w * p.Evidence.Subscore
		confSum += w * p.Evidence.Confidence * freshnessDecay(at.Sub(p.Evidence.FetchedAt))

		for _, f := range p.Evidence.Flags {
			flagSet[f] = struct{}{}
			if f == probes.FlagSanctioned {
				sanctioned = true
			}
		}
	}

	ts.Partial = ts.ProbesOK < len(requested)

	if okWeight == 0 || requestedWeight == 0 {
		// No evidence at all: nothing to trust, and no confidence in that.
		ts.RiskFlags = []string{}
		return ts
	}

	ts.Score = scoreSum / okWeight
	ts.Confidence = (confSum / okWeight) * (okWeight / requestedWeight)

	if sanctioned && ts.Score > sanctionedScoreCap {
		ts.Score = sanctionedScoreCap
	}

	ts.RiskFlags = make([]string, 0, len(flagSet))
	for f := range flagSet {
		ts.RiskFlags = append(ts.RiskFlags, f)
	}
	sort.Strings(ts.RiskFlags)
	return ts
}
