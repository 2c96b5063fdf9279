package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GuardianClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GuardianClient) *Handlers {
	return &Handlers{client: client}
}

// HandleScanWallet runs a scan and returns the trust score.
func (h *Handlers) HandleScanWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	network := req.GetString("network", "ethereum")

	var probeTypes []string
	if raw := req.GetString("probe_types", ""); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				probeTypes = append(probeTypes, t)
			}
		}
	}

	raw, err := h.client.ScanWallet(ctx, address, network, probeTypes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scan failed: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scan result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetScan fetches a stored scan session.
func (h *Handlers) HandleGetScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scanID := req.GetString("scan_id", "")
	if scanID == "" {
		return mcp.NewToolResultError("scan_id is required"), nil
	}

	raw, err := h.client.GetScan(ctx, scanID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get scan: %v", err)), nil
	}

	text, err := formatSession(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scan: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListScans lists recent scans for a wallet.
func (h *Handlers) HandleListScans(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	network := req.GetString("network", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListScans(ctx, address, network, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list scans: %v", err)), nil
	}

	text, err := formatSessionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse scans: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSimulateRevoke dry-runs an approval revocation.
func (h *Handlers) HandleSimulateRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	token := req.GetString("token", "")
	spender := req.GetString("spender", "")
	if owner == "" || token == "" || spender == "" {
		return mcp.NewToolResultError("owner, token, and spender are required"), nil
	}
	network := req.GetString("network", "ethereum")

	raw, err := h.client.SimulateRevoke(ctx, owner, network, token, spender)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Simulation failed: %v", err)), nil
	}

	text, err := formatSimulation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse simulation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type sessionEnvelope struct {
	Session sessionInfo `json:"session"`
}

type sessionInfo struct {
	ID      string      `json:"id"`
	Address string      `json:"address"`
	Network string      `json:"network"`
	Status  string      `json:"status"`
	Score   *scoreInfo  `json:"score"`
	Probes  []probeInfo `json:"probes"`
}

type scoreInfo struct {
	Score        float64  `json:"score"`
	Confidence   float64  `json:"confidence"`
	RiskFlags    []string `json:"riskFlags"`
	Partial      bool     `json:"partial"`
	ProbesOK     int      `json:"probesOk"`
	ProbesFailed int      `json:"probesFailed"`
}

type probeInfo struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Provider  string `json:"provider"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error"`
}

func formatSession(raw json.RawMessage) (string, error) {
	var env sessionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	s := env.Session

	var sb strings.Builder
	fmt.Fprintf(&sb, "Scan %s: %s on %s (%s)\n", s.ID, s.Address, s.Network, s.Status)

	if s.Score != nil {
		fmt.Fprintf(&sb, "\nTrust score: %.0f/100 (confidence %.2f)\n", s.Score.Score, s.Score.Confidence)
		if s.Score.Partial {
			sb.WriteString("Partial result: not every requested probe produced evidence.\n")
		}
		if len(s.Score.RiskFlags) > 0 {
			fmt.Fprintf(&sb, "Risk flags: %s\n", strings.Join(s.Score.RiskFlags, ", "))
		} else {
			sb.WriteString("Risk flags: none\n")
		}
		fmt.Fprintf(&sb, "Probes: %d ok, %d failed\n", s.Score.ProbesOK, s.Score.ProbesFailed)
	}

	if len(s.Probes) > 0 {
		sb.WriteString("\nProbe breakdown:\n")
		for _, p := range s.Probes {
			fmt.Fprintf(&sb, "  %-10s %s", p.Type, p.Status)
			if p.Provider != "" {
				fmt.Fprintf(&sb, " via %s (%dms)", p.Provider, p.LatencyMS)
			}
			if p.Error != "" {
				fmt.Fprintf(&sb, " - %s", p.Error)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String(), nil
}

func formatSessionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Sessions []sessionInfo `json:"sessions"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Sessions) == 0 {
		return "No scans found for this address.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d scan(s), newest first:\n\n", resp.Count)
	for _, s := range resp.Sessions {
		fmt.Fprintf(&sb, "  %s (%s)", s.ID, s.Status)
		if s.Score != nil {
			fmt.Fprintf(&sb, " - score %.0f, confidence %.2f", s.Score.Score, s.Score.Confidence)
			if len(s.Score.RiskFlags) > 0 {
				fmt.Fprintf(&sb, ", flags: %s", strings.Join(s.Score.RiskFlags, ", "))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

type simulationInfo struct {
	ID           string `json:"id"`
	Outcome      string `json:"outcome"`
	RevertReason string `json:"revertReason"`
	GasEstimate  uint64 `json:"gasEstimate"`
	GasPriceWei  string `json:"gasPriceWei"`
	Token        string `json:"token"`
	Spender      string `json:"spender"`
}

func formatSimulation(raw json.RawMessage) (string, error) {
	var resp struct {
		Simulations      []simulationInfo `json:"simulations"`
		TotalGasEstimate uint64           `json:"totalGasEstimate"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Simulations) == 0 {
		return "", fmt.Errorf("no simulations in response: %s", formatJSON(raw))
	}

	var sb strings.Builder
	for _, sim := range resp.Simulations {
		fmt.Fprintf(&sb, "Revocation simulation %s\n", sim.ID)
		fmt.Fprintf(&sb, "Token: %s\nSpender: %s\n\n", sim.Token, sim.Spender)

		if sim.Outcome == "success" {
			sb.WriteString("Outcome: would SUCCEED\n")
			if sim.GasEstimate > 0 {
				fmt.Fprintf(&sb, "Estimated gas: %d", sim.GasEstimate)
				if sim.GasPriceWei != "" {
					fmt.Fprintf(&sb, " at %s wei/gas", sim.GasPriceWei)
				}
				sb.WriteString("\n")
			}
		} else {
			sb.WriteString("Outcome: would REVERT\n")
			if sim.RevertReason != "" {
				fmt.Fprintf(&sb, "Reason: %s\n", sim.RevertReason)
			}
			sb.WriteString("The revocation cannot be executed as-is. This is a prediction, not a failure.\n")
		}
		sb.WriteString("\n")
	}
	if len(resp.Simulations) > 1 {
		fmt.Fprintf(&sb, "Total estimated gas for the batch: %d\n", resp.TotalGasEstimate)
	}

	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
