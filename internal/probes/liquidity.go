package probes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

// liquidityConfidence: DEX analytics lag real pool state by a block or two
// and honeypot simulation is heuristic.
const liquidityConfidence = 0.9

// thinLiquidityUSD is the pool depth below which exit risk is flagged.
const thinLiquidityUSD = 10_000

// LiquidityProbe checks token liquidity depth and runs the provider's
// honeypot heuristics (can holders actually sell).
type LiquidityProbe struct {
	client   *Client
	primary  Endpoint
	fallback Endpoint
}

// NewLiquidityProbe creates the liquidity and honeypot probe.
func NewLiquidityProbe(client *Client, primary, fallback Endpoint) *LiquidityProbe {
	return &LiquidityProbe{client: client, primary: primary, fallback: fallback}
}

func (p *LiquidityProbe) Type() Type { return TypeLiquidity }

type liquidityResponse struct {
	Honeypot     bool    `json:"honeypot"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	SellTaxPct   float64 `json:"sellTaxPct"`
	IsToken      bool    `json:"isToken"`
}

func (p *LiquidityProbe) Fetch(ctx context.Context, address, network string) (evidence.Evidence, error) {
	provider, body, err := p.client.GetWithFailover(ctx, p.primary, p.fallback, "/v1/token", addressParams(address, network))
	if err != nil {
		return evidence.Evidence{}, err
	}

	var resp liquidityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return evidence.Evidence{}, fmt.Errorf("failed to decode liquidity response from %s: %w", provider, err)
	}

	ev := evidence.Evidence{
		Subscore:       100,
		Confidence:     liquidityConfidence,
		SourceProvider: provider,
		FetchedAt:      time.Now().UTC(),
		Raw:            body,
	}

	if !resp.IsToken {
		// Not a tradeable asset: liquidity risk does not apply.
		ev.Subscore = 90
		return ev, nil
	}

	if resp.Honeypot {
		ev.Subscore = 0
		ev.Flags = append(ev.Flags, FlagHoneypot)
		return ev, nil
	}
	if resp.LiquidityUSD < thinLiquidityUSD {
		ev.Subscore = 40
		ev.Flags = append(ev.Flags, FlagThinLiquidity)
	}
	// High sell tax erodes exit value even with depth.
	ev.Subscore -= 2 * resp.SellTaxPct
	if ev.Subscore < 0 {
		ev.Subscore = 0
	}
	return ev, nil
}
