// Package revoke prepares and pre-simulates ERC-20 approval revocations.
//
// Guardian never holds keys: the flow simulates approve(spender, 0) against
// the live chain state, and on success returns the unsigned transaction for
// the caller's wallet to sign. A predicted revert is a useful result, not an
// error.
package revoke

import (
	"errors"
	"time"
)

// Errors
var (
	ErrBackendUnavailable = errors.New("revoke: chain backend unavailable")
)

// Outcome is the predicted result of executing the revocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRevert  Outcome = "revert"
)

// Simulation is one pre-execution dry run of a revocation.
type Simulation struct {
	ID           string  `json:"id"`
	Owner        string  `json:"owner"`
	Token        string  `json:"token"`
	Spender      string  `json:"spender"`
	Outcome      Outcome `json:"outcome"`
	RevertReason string  `json:"revertReason,omitempty"`

	// GasEstimate and GasPriceWei are populated only for successful
	// simulations.
	GasEstimate uint64 `json:"gasEstimate,omitempty"`
	GasPriceWei string `json:"gasPriceWei,omitempty"`

	// CallData is the hex-encoded approve(spender, 0) payload the wallet
	// should sign and send to Token.
	CallData string `json:"callData"`

	ChainID     int64     `json:"chainId"`
	SimulatedAt time.Time `json:"simulatedAt"`
}
