package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// sanctionsConfidence: label providers aggregate several lists with a lag, so
// a clean result is strong but not absolute.
const sanctionsConfidence = 0.92

// SanctionsProbe screens the address against sanctions lists and exposure
// labels (mixers, known exploit addresses).
type SanctionsProbe struct {
	client   *Client
	primary  Endpoint
	fallback Endpoint
}

// NewSanctionsProbe creates the sanctions-screening probe.
func NewSanctionsProbe(client *Client, primary, fallback Endpoint) *SanctionsProbe {
	return &SanctionsProbe{client: client, primary: primary, fallback: fallback}
}

func (p *SanctionsProbe) Type() Type { return TypeSanctions }

// sanctionsResponse is the provider's screening payload.
type sanctionsResponse struct {
	Sanctioned    bool     `json:"sanctioned"`
	MixerExposure bool     `json:"mixerExposure"`
	Labels        []string `json:"labels"`
}

func (p *SanctionsProbe) Fetch(ctx context.Context, address, network string) (evidence.Evidence, error) {
	provider, body, err := p.client.GetWithFailover(ctx, p.primary, p.fallback, "/v1/screen", addressParams(address, network))
	if err != nil {
		return evidence.Evidence{}, err
	}

	var resp sanctionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evidence.Evidence{}, fmt.Errorf("failed to decode sanctions response from %s: %w", provider, err)
	}

	ev := evidence.Evidence{
		Subscore:       100,
		Confidence:     sanctionsConfidence,
		SourceProvider: provider,
		FetchedAt:      time.Now().UTC(),
		Raw:            body,
	}

	if resp.Sanctioned {
		ev.Subscore = 0
		ev.Flags = append(ev.Flags, FlagSanctioned)
	}
	if resp.MixerExposure {
		if ev.Subscore > 25 {
			ev.Subscore = 25
		}
		ev.Flags = append(ev.Flags, FlagMixerExposure)
	}
	return ev, nil
}
