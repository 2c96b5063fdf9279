package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// reputationConfidence is the lowest of the probe set: community reports are
// noisy and gameable.
const reputationConfidence = 0.75

// poorReputationThreshold flags addresses the community has broadly reported.
const poorReputationThreshold = 30

// ReputationProbe reads a third-party community reputation score.
type ReputationProbe struct {
	client   *Client
	primary  Endpoint
	fallback Endpoint
}

// NewReputationProbe creates the reputation probe.
func NewReputationProbe(client *Client, primary, fallback Endpoint) *ReputationProbe {
	return &ReputationProbe{client: client, primary: primary, fallback: fallback}
}

func (p *ReputationProbe) Type() Type { return TypeReputation }

type reputationResponse struct {
	Score   float64 `json:"score"` // 0..100
	Reports int     `json:"reports"`
}

func (p *ReputationProbe) Fetch(ctx context.Context, address, network string) (evidence.Evidence, error) {
	provider, body, err := p.client.GetWithFailover(ctx, p.primary, p.fallback, "/v1/reputation", addressParams(address, network))
	if err != nil {
		return evidence.Evidence{}, err
	}

	var resp reputationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evidence.Evidence{}, fmt.Errorf("failed to decode reputation response from %s: %w", provider, err)
	}

	score := resp.Score
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	ev := evidence.Evidence{
		Subscore:       score,
		Confidence:     reputationConfidence,
		SourceProvider: provider,
		FetchedAt:      time.Now().UTC(),
		Raw:            body,
	}
	if score < poorReputationThreshold {
		ev.Flags = append(ev.Flags, FlagPoorReputation)
	}
	return ev, nil
}
