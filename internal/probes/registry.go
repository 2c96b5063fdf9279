package probes

import (
	"context"

	"github.com/guardianhq/guardian/internal/config"
	"github.com/guardianhq/guardian/internal/evidence"
	"github.com/guardianhq/guardian/internal/traces"
)

// Prober is one evidence source. Implementations fetch fresh evidence from
// their provider; caching and orchestration live outside.
type Prober interface {
	Type() Type
	Fetch(ctx context.Context, address, network string) (evidence.Evidence, error)
}

// Registry holds the fixed probe set and fronts it with the evidence cache.
type Registry struct {
	cache   *evidence.Cache
	probers map[Type]Prober
}

// NewRegistry creates a registry over the given probers.
func NewRegistry(cache *evidence.Cache, probers ...Prober) *Registry {
	r := &Registry{
		cache:   cache,
		probers: make(map[Type]Prober, len(probers)),
	}
	for _, p := range probers {
		r.probers[p.Type()] = p
	}
	return r
}

// DefaultProbers builds the standard probe set from configuration.
func DefaultProbers(client *Client, cfg *config.Config) []Prober {
	return []Prober{
		NewContractProbe(client,
			Endpoint{Name: "contract-primary", BaseURL: cfg.ContractProviderURL},
			Endpoint{Name: "contract-fallback", BaseURL: cfg.ContractFallbackURL}),
		NewSanctionsProbe(client,
			Endpoint{Name: "sanctions-primary", BaseURL: cfg.SanctionsProviderURL},
			Endpoint{Name: "sanctions-fallback", BaseURL: cfg.SanctionsFallbackURL}),
		NewApprovalsProbe(client,
			Endpoint{Name: "approvals-primary", BaseURL: cfg.ApprovalsProviderURL},
			Endpoint{Name: "approvals-fallback", BaseURL: cfg.ApprovalsFallbackURL}),
		NewLiquidityProbe(client,
			Endpoint{Name: "liquidity-primary", BaseURL: cfg.LiquidityProviderURL},
			Endpoint{Name: "liquidity-fallback", BaseURL: cfg.LiquidityFallbackURL}),
		NewReputationProbe(client,
			Endpoint{Name: "reputation-primary", BaseURL: cfg.ReputationProviderURL},
			Endpoint{Name: "reputation-fallback", BaseURL: cfg.ReputationFallbackURL}),
	}
}

// Types returns the registered probe types in registry order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.probers))
	for _, t := range AllTypes() {
		if _, ok := r.probers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Has reports whether t is registered.
func (r *Registry) Has(t Type) bool {
	_, ok := r.probers[t]
	return ok
}

// Execute runs one probe through the evidence cache: cached evidence is
// returned as-is, a miss fetches from the provider (collapsing concurrent
// misses into one flight) and caches on success. The bool reports a cache hit.
func (r *Registry) Execute(ctx context.Context, t Type, address, network string) (evidence.Evidence, bool, error) {
	p, ok := r.probers[t]
	if !ok {
		return evidence.Evidence{}, false, ErrUnknownProbeType
	}

	ctx, span := traces.StartSpan(ctx, "probes.Execute",
		traces.ProbeType(string(t)),
		traces.Address(address),
		traces.Network(network),
	)
	defer span.End()

	key := evidence.Key{Address: address, Network: network, ProbeType: string(t)}
	return r.cache.GetOrFetch(ctx, key, func(ctx context.Context) (evidence.Evidence, error) {
		return p.Fetch(ctx, address, network)
	})
}
