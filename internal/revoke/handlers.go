package revoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guardianhq/guardian/internal/idempotency"
	"github.com/guardianhq/guardian/internal/logging"
	"github.com/guardianhq/guardian/internal/validation"
)

// idempotencyHeader carries the client-chosen key for mutating revocations.
const idempotencyHeader = "Idempotency-Key"

// pendingWait bounds how long a duplicate request waits for the in-flight
// original to record its outcome.
const pendingWait = 8 * time.Second

// Handler provides HTTP endpoints for revocation simulation and preparation.
type Handler struct {
	sim   *Simulator
	guard *idempotency.Guard
}

// NewHandler creates a new revoke handler.
func NewHandler(sim *Simulator, guard *idempotency.Guard) *Handler {
	return &Handler{sim: sim, guard: guard}
}

// RegisterRoutes sets up revoke routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/revoke", h.Revoke)
}

// maxApprovalsPerRequest bounds one revocation batch.
const maxApprovalsPerRequest = 20

type approvalRef struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
}

type revokeRequest struct {
	Address   string        `json:"address"` // Approval owner
	Network   string        `json:"network"`
	Approvals []approvalRef `json:"approvals"`
	DryRun    bool          `json:"dryRun,omitempty"`
}

type revokeOutcome struct {
	Simulations      []*Simulation `json:"simulations"`
	TotalGasEstimate uint64        `json:"totalGasEstimate"`
}

// Revoke handles POST /v1/revoke.
//
// One request revokes a batch of approvals under a single idempotency key.
// Every approval is simulated first; a predicted revert comes back as a 200
// with the reason on that approval's entry. Non-dry-run requests must carry
// an Idempotency-Key header: retries with the same key and body replay the
// stored outcome, a reused key with a different body is a 409.
func (h *Handler) Revoke(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read request body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	req.Address = validation.SanitizeAddress(req.Address)
	req.Network = validation.SanitizeNetwork(req.Network)
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Field address must be a valid 0x-prefixed hex address",
		})
		return
	}
	if !validation.IsSupportedNetwork(req.Network) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_network", "message": "Unsupported network"})
		return
	}

	if len(req.Approvals) == 0 || len(req.Approvals) > maxApprovalsPerRequest {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_approvals",
			"message": fmt.Sprintf("Request must name between 1 and %d approvals", maxApprovalsPerRequest),
		})
		return
	}
	for i := range req.Approvals {
		req.Approvals[i].Token = validation.SanitizeAddress(req.Approvals[i].Token)
		req.Approvals[i].Spender = validation.SanitizeAddress(req.Approvals[i].Spender)
		if !validation.IsValidAddress(req.Approvals[i].Token) || !validation.IsValidAddress(req.Approvals[i].Spender) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": fmt.Sprintf("Approval %d must carry valid 0x-prefixed token and spender addresses", i),
			})
			return
		}
	}

	if req.DryRun {
		// Dry runs mutate nothing, so they bypass the idempotency guard.
		h.simulateAndRespond(c, req, false)
		return
	}

	key := c.GetHeader(idempotencyHeader)
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_idempotency_key",
			"message": "Idempotency-Key header is required for non-dry-run revocations",
		})
		return
	}

	hash := idempotency.HashRequest(body)
	res, err := h.guard.Check(c.Request.Context(), key, hash)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	switch res.State {
	case idempotency.StateConflict:
		c.JSON(http.StatusConflict, gin.H{
			"error":   "idempotency_conflict",
			"message": "Idempotency key was already used with a different request body",
		})
		return

	case idempotency.StateDuplicate:
		h.respondReplayed(c, res.Outcome)
		return

	case idempotency.StatePending:
		waitCtx, cancel := context.WithTimeout(c.Request.Context(), pendingWait)
		defer cancel()

		res, err = h.guard.WaitForOutcome(waitCtx, key, hash, 100*time.Millisecond)
		if err != nil || res.State == idempotency.StatePending {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "request_in_flight",
				"message": "An identical request is still being processed; retry shortly",
			})
			return
		}
		if res.State == idempotency.StateConflict {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "idempotency_conflict",
				"message": "Idempotency key was already used with a different request body",
			})
			return
		}
		if res.State == idempotency.StateDuplicate {
			h.respondReplayed(c, res.Outcome)
			return
		}
		// StateNew: the original holder abandoned; fall through and execute.
	}

	result, ok := h.simulateBatch(c, req)
	if !ok {
		// Execution failed before an outcome existed: free the key for retry.
		if err := h.guard.Abandon(c.Request.Context(), key); err != nil {
			logging.L(c.Request.Context()).Warn("failed to abandon idempotency key", "error", err)
		}
		return
	}

	outcome, err := json.Marshal(result)
	if err == nil {
		err = h.guard.Record(c.Request.Context(), key, hash, outcome)
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to record revoke outcome", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"simulations":      result.Simulations,
		"totalGasEstimate": result.TotalGasEstimate,
		"replayed":         false,
	})
}

// simulateAndRespond runs the dry-run path.
func (h *Handler) simulateAndRespond(c *gin.Context, req revokeRequest, replayed bool) {
	result, ok := h.simulateBatch(c, req)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"simulations":      result.Simulations,
		"totalGasEstimate": result.TotalGasEstimate,
		"replayed":         replayed,
		"dryRun":           true,
	})
}

// simulateBatch simulates every approval in the request, writing the error
// response itself on infrastructure failure. A predicted revert is a result
// on that approval's entry, not a batch failure; only gas for approvals that
// would succeed counts toward the total.
func (h *Handler) simulateBatch(c *gin.Context, req revokeRequest) (revokeOutcome, bool) {
	out := revokeOutcome{Simulations: make([]*Simulation, 0, len(req.Approvals))}
	for _, a := range req.Approvals {
		sim, err := h.sim.SimulateRevoke(c.Request.Context(), req.Address, a.Token, a.Spender)
		if err != nil {
			status := http.StatusInternalServerError
			code := "simulation_failed"
			if errors.Is(err, ErrBackendUnavailable) {
				status = http.StatusBadGateway
				code = "backend_unavailable"
			}
			c.JSON(status, gin.H{"error": code, "message": err.Error()})
			return revokeOutcome{}, false
		}
		out.Simulations = append(out.Simulations, sim)
		out.TotalGasEstimate += sim.GasEstimate
	}
	return out, true
}

func (h *Handler) respondReplayed(c *gin.Context, outcome json.RawMessage) {
	var stored revokeOutcome
	if err := json.Unmarshal(outcome, &stored); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Stored outcome is unreadable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"simulations":      stored.Simulations,
		"totalGasEstimate": stored.TotalGasEstimate,
		"replayed":         true,
	})
}
