package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// approvalsConfidence: the approval graph is indexed from chain state, so it
// is near-authoritative modulo indexer lag.
const approvalsConfidence = 0.95

// ApprovalsProbe reads the wallet's outstanding token approvals from an
// indexer. Unlimited approvals to flagged spenders are the primary drainer
// vector this probe exists to catch.
type ApprovalsProbe struct {
	client   *Client
	primary  Endpoint
	fallback Endpoint
}

// NewApprovalsProbe creates the approval-graph probe.
func NewApprovalsProbe(client *Client, primary, fallback Endpoint) *ApprovalsProbe {
	return &ApprovalsProbe{client: client, primary: primary, fallback: fallback}
}

func (p *ApprovalsProbe) Type() Type { return TypeApprovals }

// Approval is one outstanding token allowance.
type Approval struct {
	ID             string `json:"id"`
	Token          string `json:"token"`
	Spender        string `json:"spender"`
	Unlimited      bool   `json:"unlimited"`
	SpenderFlagged bool   `json:"spenderFlagged"`
}

type approvalsResponse struct {
	Approvals []Approval `json:"approvals"`
}

func (p *ApprovalsProbe) Fetch(ctx context.Context, address, network string) (evidence.Evidence, error) {
	provider, body, err := p.client.GetWithFailover(ctx, p.primary, p.fallback, "/v1/approvals", addressParams(address, network))
	if err != nil {
		return evidence.Evidence{}, err
	}

	var resp approvalsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evidence.Evidence{}, fmt.Errorf("failed to decode approvals response from %s: %w", provider, err)
	}

	var unlimited, flagged int
	for _, a := range resp.Approvals {
		if a.Unlimited {
			unlimited++
		}
		if a.SpenderFlagged {
			flagged++
		}
	}

	ev := evidence.Evidence{
		Subscore:       100,
		Confidence:     approvalsConfidence,
		SourceProvider: provider,
		FetchedAt:      time.Now().UTC(),
		Raw:            body,
	}

	// Each unlimited approval widens the blast radius; flagged spenders are
	// weighted much harder.
	ev.Subscore -= 15 * float64(unlimited)
	ev.Subscore -= 40 * float64(flagged)
	if ev.Subscore < 0 {
		ev.Subscore = 0
	}
	if unlimited > 0 {
		ev.Flags = append(ev.Flags, FlagUnlimitedApprovals)
	}
	if flagged > 0 {
		ev.Flags = append(ev.Flags, FlagRiskyApprovals)
	}
	return ev, nil
}
