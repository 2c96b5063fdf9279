package probes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guardianhq/guardian/internal/evidence"
)

func jsonServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("address") == "" {
			t.Error("missing address query param")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fetchOne(t *testing.T, p Prober) evidence.Evidence {
	t.Helper()
	ev, err := p.Fetch(context.Background(), "0x1111111111111111111111111111111111111111", "ethereum")
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestContractProbeUnverified(t *testing.T) {
	srv := jsonServer(t, `{"isContract":true,"verified":false}`)
	p := NewContractProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 35 {
		t.Errorf("expected subscore 35, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagUnverifiedContract) {
		t.Errorf("expected %s flag, got %v", FlagUnverifiedContract, ev.Flags)
	}
}

func TestContractProbeEOA(t *testing.T) {
	srv := jsonServer(t, `{"isContract":false}`)
	p := NewContractProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 90 {
		t.Errorf("expected subscore 90 for EOA, got %v", ev.Subscore)
	}
	if len(ev.Flags) != 0 {
		t.Errorf("EOA must not carry contract flags, got %v", ev.Flags)
	}
}

func TestSanctionsProbeSanctioned(t *testing.T) {
	srv := jsonServer(t, `{"sanctioned":true,"labels":["ofac"]}`)
	p := NewSanctionsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 0 {
		t.Errorf("sanctioned address must score 0, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagSanctioned) {
		t.Errorf("expected %s flag, got %v", FlagSanctioned, ev.Flags)
	}
}

func TestSanctionsProbeMixerExposure(t *testing.T) {
	srv := jsonServer(t, `{"sanctioned":false,"mixerExposure":true}`)
	p := NewSanctionsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 25 {
		t.Errorf("expected subscore 25, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagMixerExposure) {
		t.Errorf("expected %s flag, got %v", FlagMixerExposure, ev.Flags)
	}
}

func TestApprovalsProbeScoring(t *testing.T) {
	srv := jsonServer(t, `{"approvals":[
		{"id":"a1","token":"0xt","spender":"0xs1","unlimited":true},
		{"id":"a2","token":"0xt","spender":"0xs2","unlimited":true,"spenderFlagged":true}
	]}`)
	p := NewApprovalsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	// 100 - 2*15 (unlimited) - 40 (flagged spender)
	if ev.Subscore != 30 {
		t.Errorf("expected subscore 30, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagUnlimitedApprovals) || !slices.Contains(ev.Flags, FlagRiskyApprovals) {
		t.Errorf("expected both approval flags, got %v", ev.Flags)
	}
}

func TestLiquidityProbeHoneypot(t *testing.T) {
	srv := jsonServer(t, `{"isToken":true,"honeypot":true,"liquidityUsd":50000}`)
	p := NewLiquidityProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 0 {
		t.Errorf("honeypot must score 0, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagHoneypot) {
		t.Errorf("expected %s flag, got %v", FlagHoneypot, ev.Flags)
	}
}

func TestLiquidityProbeThinPool(t *testing.T) {
	srv := jsonServer(t, `{"isToken":true,"liquidityUsd":2500,"sellTaxPct":5}`)
	p := NewLiquidityProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	// thin pool floor 40, minus 2*5 sell tax
	if ev.Subscore != 30 {
		t.Errorf("expected subscore 30, got %v", ev.Subscore)
	}
	if !slices.Contains(ev.Flags, FlagThinLiquidity) {
		t.Errorf("expected %s flag, got %v", FlagThinLiquidity, ev.Flags)
	}
}

func TestReputationProbeClamps(t *testing.T) {
	srv := jsonServer(t, `{"score":250,"reports":0}`)
	p := NewReputationProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if ev.Subscore != 100 {
		t.Errorf("score must clamp to 100, got %v", ev.Subscore)
	}
}

func TestReputationProbePoorScore(t *testing.T) {
	srv := jsonServer(t, `{"score":12,"reports":40}`)
	p := NewReputationProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})

	ev := fetchOne(t, p)
	if !slices.Contains(ev.Flags, FlagPoorReputation) {
		t.Errorf("expected %s flag, got %v", FlagPoorReputation, ev.Flags)
	}
}

// The blended confidence of a fully successful fresh scan is the weighted
// mean of these intrinsic values; they must stay high enough that an all-ok
// scan clears 0.9.
func TestProbeIntrinsicConfidences(t *testing.T) {
	cases := []struct {
		payload string
		build   func(srv *httptest.Server) Prober
		want    float64
	}{
		{`{"isContract":false}`, func(srv *httptest.Server) Prober {
			return NewContractProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})
		}, 0.98},
		{`{"sanctioned":false}`, func(srv *httptest.Server) Prober {
			return NewSanctionsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})
		}, 0.92},
		{`{"approvals":[]}`, func(srv *httptest.Server) Prober {
			return NewApprovalsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})
		}, 0.95},
		{`{"isToken":false}`, func(srv *httptest.Server) Prober {
			return NewLiquidityProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})
		}, 0.9},
		{`{"score":80,"reports":0}`, func(srv *httptest.Server) Prober {
			return NewReputationProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{})
		}, 0.75},
	}

	for _, tc := range cases {
		srv := jsonServer(t, tc.payload)
		p := tc.build(srv)
		ev := fetchOne(t, p)
		if ev.Confidence != tc.want {
			t.Errorf("%s: expected confidence %v, got %v", p.Type(), tc.want, ev.Confidence)
		}
	}
}

func TestRegistryExecuteCachesSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"sanctioned":false}`))
	}))
	defer srv.Close()

	cache := evidence.NewCache(map[string]time.Duration{string(TypeSanctions): time.Hour})
	defer cache.Stop()

	reg := NewRegistry(cache, NewSanctionsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{}))

	_, fromCache, err := reg.Execute(context.Background(), TypeSanctions, "0xabc", "ethereum")
	if err != nil {
		t.Fatal(err)
	}
	if fromCache {
		t.Error("first execute must miss the cache")
	}

	_, fromCache, err = reg.Execute(context.Background(), TypeSanctions, "0xabc", "ethereum")
	if err != nil {
		t.Fatal(err)
	}
	if !fromCache {
		t.Error("second execute must hit the cache")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 provider call, got %d", got)
	}
}

func TestRegistryExecuteDoesNotCacheFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cache := evidence.NewCache(nil)
	defer cache.Stop()

	reg := NewRegistry(cache, NewSanctionsProbe(newTestClient(), Endpoint{Name: "p", BaseURL: srv.URL}, Endpoint{}))

	for i := 0; i < 2; i++ {
		if _, _, err := reg.Execute(context.Background(), TypeSanctions, "0xabc", "ethereum"); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("failures must not be cached: expected 2 calls, got %d", got)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	cache := evidence.NewCache(nil)
	defer cache.Stop()

	reg := NewRegistry(cache)
	if _, _, err := reg.Execute(context.Background(), Type("dns"), "0xabc", "ethereum"); err != ErrUnknownProbeType {
		t.Errorf("expected ErrUnknownProbeType, got %v", err)
	}
}
