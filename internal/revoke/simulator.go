package revoke

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/guardianhq/guardian/internal/idgen"
	"github.com/guardianhq/guardian/internal/metrics"
	"github.com/guardianhq/guardian/internal/traces"
)

const erc20ApproveABI = `[{
	"name": "approve",
	"type": "function",
	"inputs": [
		{"name": "spender", "type": "address"},
		{"name": "amount", "type": "uint256"}
	],
	"outputs": [{"name": "", "type": "bool"}]
}]`

var erc20ABI = mustParseABI(erc20ApproveABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// Backend is the subset of the ethereum client the simulator needs.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Simulator dry-runs revocations against current chain state.
type Simulator struct {
	backend Backend
	chainID int64
}

// NewSimulator dials the RPC endpoint and creates a simulator.
func NewSimulator(rpcURL string, chainID int64) (*Simulator, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return &Simulator{backend: client, chainID: chainID}, nil
}

// NewSimulatorWithBackend creates a simulator over an existing backend.
// Used by tests and by callers that share one RPC client.
func NewSimulatorWithBackend(backend Backend, chainID int64) *Simulator {
	return &Simulator{backend: backend, chainID: chainID}
}

// SimulateRevoke dry-runs approve(spender, 0) from owner against token.
//
// A revert is reported in the simulation outcome, not as an error: the point
// of the dry run is telling the user "this revocation would fail, and why"
// before they sign anything. Only infrastructure failures return an error.
func (s *Simulator) SimulateRevoke(ctx context.Context, owner, token, spender string) (*Simulation, error) {
	ctx, span := traces.StartSpan(ctx, "revoke.SimulateRevoke",
		traces.Address(owner),
	)
	defer span.End()

	callData, err := erc20ABI.Pack("approve", common.HexToAddress(spender), big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve calldata: %w", err)
	}

	sim := &Simulation{
		ID:          idgen.WithPrefix("sim_"),
		Owner:       owner,
		Token:       token,
		Spender:     spender,
		CallData:    "0x" + hex.EncodeToString(callData),
		ChainID:     s.chainID,
		SimulatedAt: time.Now().UTC(),
	}

	from := common.HexToAddress(owner)
	to := common.HexToAddress(token)
	msg := ethereum.CallMsg{From: from, To: &to, Data: callData}

	ret, err := s.backend.CallContract(ctx, msg, nil)
	if err != nil {
		reason, isRevert := revertReason(err)
		if !isRevert {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		sim.Outcome = OutcomeRevert
		sim.RevertReason = reason
		metrics.SimulationsTotal.WithLabelValues(string(OutcomeRevert)).Inc()
		return sim, nil
	}

	// Standard ERC-20 approve returns bool; a clean false is still a refusal.
	if returnedFalse(ret) {
		sim.Outcome = OutcomeRevert
		sim.RevertReason = "approve returned false"
		metrics.SimulationsTotal.WithLabelValues(string(OutcomeRevert)).Inc()
		return sim, nil
	}

	sim.Outcome = OutcomeSuccess

	gas, err := s.backend.EstimateGas(ctx, msg)
	if err == nil {
		sim.GasEstimate = gas
	}
	if price, err := s.backend.SuggestGasPrice(ctx); err == nil && price != nil {
		sim.GasPriceWei = price.String()
	}

	metrics.SimulationsTotal.WithLabelValues(string(OutcomeSuccess)).Inc()
	return sim, nil
}

// revertReason classifies a CallContract error. Geth-style nodes surface
// reverts as "execution reverted[: reason]", optionally with ABI-encoded
// revert data attached.
func revertReason(err error) (string, bool) {
	type dataError interface {
		ErrorData() interface{}
	}

	msg := err.Error()
	if !strings.Contains(msg, "execution reverted") {
		return "", false
	}

	var de dataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if reason, err := abi.UnpackRevert(common.FromHex(raw)); err == nil && reason != "" {
				return reason, true
			}
		}
	}

	if _, after, found := strings.Cut(msg, "execution reverted:"); found {
		return strings.TrimSpace(after), true
	}
	return "execution reverted", true
}

func returnedFalse(ret []byte) bool {
	if len(ret) != 32 {
		// Non-standard tokens return nothing from approve; treat as success.
		return false
	}
	for _, b := range ret {
		if b != 0 {
			return false
		}
	}
	return true
}
