package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guardianhq/guardian/internal/metrics"
	"github.com/guardianhq/guardian/internal/pagination"
	"github.com/guardianhq/guardian/internal/probes"
	"github.com/guardianhq/guardian/internal/validation"
)

// ScanVersion is the wire version of the scan result format, echoed in the
// X-Guardian-Scan-Version response header so clients can pin parsers.
const ScanVersion = "1"

// Broadcaster pushes scan events to live-feed subscribers (WebSocket hub).
type Broadcaster interface {
	BroadcastScanEvent(eventType string, payload any)
}

// Handler provides HTTP endpoints for scan sessions.
type Handler struct {
	orch        *Orchestrator
	store       Store
	broadcaster Broadcaster
}

// NewHandler creates a new scan handler.
func NewHandler(orch *Orchestrator, store Store) *Handler {
	return &Handler{orch: orch, store: store}
}

// WithBroadcaster adds live-feed fan-out of scan events.
func (h *Handler) WithBroadcaster(b Broadcaster) *Handler {
	h.broadcaster = b
	return h
}

// RegisterRoutes sets up scan routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/scan", h.StartScan)
	r.GET("/scans/:id", h.GetScan)
	r.GET("/wallets/:address/scans", h.ListScans)
}

type startScanRequest struct {
	Address    string   `json:"address"`
	Network    string   `json:"network"`
	ProbeTypes []string `json:"probeTypes,omitempty"`
}

// StartScan handles POST /v1/scan.
//
// With "Accept: text/event-stream" the response is a Server-Sent Events
// stream: one probe_update event per terminal probe, then exactly one final
// event. Otherwise the handler waits for the scan to finish and returns the
// session as JSON: 200 when complete, 504 with the partial session in the
// body when the session deadline was hit first.
func (h *Handler) StartScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Address = validation.SanitizeAddress(req.Address)
	req.Network = validation.SanitizeNetwork(req.Network)
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a valid 0x-prefixed hex address",
		})
		return
	}
	if !validation.IsSupportedNetwork(req.Network) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_network",
			"message": fmt.Sprintf("Network %q is not supported", req.Network),
		})
		return
	}

	types := make([]probes.Type, 0, len(req.ProbeTypes))
	for _, t := range req.ProbeTypes {
		pt := probes.Type(strings.ToLower(strings.TrimSpace(t)))
		if !probes.ValidType(pt) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_probe_type",
				"message": fmt.Sprintf("Unknown probe type %q", t),
			})
			return
		}
		types = append(types, pt)
	}

	session, events, err := h.orch.Start(c.Request.Context(), Request{
		Address:    req.Address,
		Network:    req.Network,
		ProbeTypes: types,
		UserID:     c.GetString("user_id"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scan_failed",
			"message": "Failed to start scan",
		})
		return
	}

	c.Header("X-Guardian-Scan-Version", ScanVersion)
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamScan(c, session, events)
		return
	}
	h.waitScan(c, session, events)
}

// streamScan writes the scan event stream as SSE. Events are emitted in the
// order probes complete; the final event is always last.
func (h *Handler) streamScan(c *gin.Context, session *Session, events <-chan Event) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	metrics.ActiveScanStreams.Inc()
	defer metrics.ActiveScanStreams.Dec()

	for ev := range events {
		if ev.Final {
			h.writeSSE(c, "final", gin.H{"scanId": ev.Session.ID, "session": ev.Session})
			h.broadcastFinal(ev.Session)
			return
		}
		h.writeSSE(c, "probe_update", gin.H{"scanId": session.ID, "probe": ev.Probe, "trustScore": ev.Score})
		h.broadcastProbe(session, ev)
	}
}

func (h *Handler) writeSSE(c *gin.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	// Writes to a disconnected client fail silently; the orchestrator notices
	// the dead request context and winds the scan down as cancelled.
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}

// waitScan consumes the event stream to completion and returns the finished
// session as a single JSON response.
func (h *Handler) waitScan(c *gin.Context, session *Session, events <-chan Event) {
	for ev := range events {
		if !ev.Final {
			h.broadcastProbe(session, ev)
			continue
		}
		h.broadcastFinal(ev.Session)

		status := http.StatusOK
		if ev.Session.Status == StatusPartial {
			// Deadline hit: the partial score still ships, with the status
			// code making the degradation visible to callers.
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"session": ev.Session})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "scan_failed",
		"message": "Scan ended without a final result",
	})
}

// The broadcast payloads carry scanId and address at the top level so hub
// subscription filters can match without decoding the nested record.
func (h *Handler) broadcastProbe(session *Session, ev Event) {
	if h.broadcaster == nil {
		return
	}
	h.broadcaster.BroadcastScanEvent("probe_completed", map[string]interface{}{
		"scanId":     session.ID,
		"address":    session.Address,
		"probe":      ev.Probe,
		"trustScore": ev.Score,
	})
}

func (h *Handler) broadcastFinal(session *Session) {
	if h.broadcaster == nil {
		return
	}
	h.broadcaster.BroadcastScanEvent("scan_final", map[string]interface{}{
		"scanId":  session.ID,
		"address": session.Address,
		"session": session,
	})
}

// GetScan handles GET /v1/scans/:id
func (h *Handler) GetScan(c *gin.Context) {
	session, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Scan session not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.Header("X-Guardian-Scan-Version", ScanVersion)
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// ListScans handles GET /v1/wallets/:address/scans
func (h *Handler) ListScans(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))
	network := validation.SanitizeNetwork(c.DefaultQuery("network", "ethereum"))

	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is not valid",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	sessions, err := h.store.ListByAddress(c.Request.Context(), address, network, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	sessions, nextCursor, hasMore := pagination.ComputePage(sessions, limit, func(s *Session) (time.Time, string) {
		return s.StartedAt, s.ID
	})

	resp := gin.H{
		"sessions": sessions,
		"count":    len(sessions),
		"hasMore":  hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}
