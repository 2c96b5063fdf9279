package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// contractConfidence reflects that explorer verification data is authoritative
// but occasionally lags new deployments.
const contractConfidence = 0.98

// recentContractAge is the deployment-age threshold below which a contract is
// flagged as recently created.
const recentContractAge = 7 * 24 * time.Hour

// ContractProbe checks whether the target is a verified contract and how long
// it has been deployed. Unverified or freshly deployed contracts are a common
// drainer pattern.
type ContractProbe struct {
	client   *Client
	primary  Endpoint
	fallback Endpoint
}

// NewContractProbe creates the contract-verification probe.
func NewContractProbe(client *Client, primary, fallback Endpoint) *ContractProbe {
	return &ContractProbe{client: client, primary: primary, fallback: fallback}
}

func (p *ContractProbe) Type() Type { return TypeContract }

// contractResponse is the provider's contract metadata payload.
type contractResponse struct {
	IsContract bool      `json:"isContract"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"createdAt"`
	Proxy      bool      `json:"proxy"`
}

func (p *ContractProbe) Fetch(ctx context.Context, address, network string) (evidence.Evidence, error) {
	provider, body, err := p.client.GetWithFailover(ctx, p.primary, p.fallback, "/v1/contract", addressParams(address, network))
	if err != nil {
		return evidence.Evidence{}, err
	}

	var resp contractResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evidence.Evidence{}, fmt.Errorf("failed to decode contract response from %s: %w", provider, err)
	}

	ev := evidence.Evidence{
		Subscore:       100,
		Confidence:     contractConfidence,
		SourceProvider: provider,
		FetchedAt:      time.Now().UTC(),
		Raw:            body,
	}

	if !resp.IsContract {
		// Plain wallet address: nothing to verify, neutral-positive signal.
		ev.Subscore = 90
		return ev, nil
	}

	if !resp.Verified {
		ev.Subscore = 35
		ev.Flags = append(ev.Flags, FlagUnverifiedContract)
	}
	if !resp.CreatedAt.IsZero() && time.Since(resp.CreatedAt) < recentContractAge {
		ev.Subscore -= 20
		ev.Flags = append(ev.Flags, FlagRecentlyCreated)
	}
	if ev.Subscore < 0 {
		ev.Subscore = 0
	}
	return ev, nil
}
