package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/inferbroker/internal/pending"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *WalletClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *WalletClient) *Handlers {
	return &Handlers{client: client}
}

// HandleInitSession establishes the broker session.
func (h *Handlers) HandleInitSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")

	raw, err := h.client.InitSession(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to initialize session: %v", err)), nil
	}

	text, err := formatInitResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session response: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the wallet's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListPendingOperations lists parked signing requests.
func (h *Handlers) HandleListPendingOperations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ops, err := h.client.ListPending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending operations: %v", err)), nil
	}

	return mcp.NewToolResultText(formatOpList(ops)), nil
}

// HandleApproveOperation signs a pending request locally and provides the result.
func (h *Handlers) HandleApproveOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opID := req.GetString("operation_id", "")
	if opID == "" {
		return mcp.NewToolResultError("operation_id is required"), nil
	}

	ops, err := h.client.ListPending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch pending operations: %v", err)), nil
	}

	var op *pending.Op
	for i := range ops {
		if ops[i].ID == opID {
			op = &ops[i]
			break
		}
	}
	if op == nil {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Operation %s not found. It may have expired or been cancelled; "+
				"run list_pending_operations for the current set.", opID)), nil
	}

	var result string
	switch op.Operation.Kind {
	case pending.KindSignMessage:
		result, err = h.client.signMessage(op.Operation.Message)
	case pending.KindSignTransaction:
		if op.Operation.Transaction == nil {
			return mcp.NewToolResultError("Operation carries no transaction payload"), nil
		}
		result, err = h.client.signTransaction(op.Operation.Transaction)
	default:
		return mcp.NewToolResultError(fmt.Sprintf(
			"Unsupported operation kind %q; cancel it instead.", op.Operation.Kind)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Signing failed: %v", err)), nil
	}

	if _, err := h.client.Provide(ctx, opID, result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to deliver signature: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Operation %s approved and signed.\n"+
			"Kind: %s\n"+
			"The broker now completes the call that was waiting on this signature.",
		opID, op.Operation.Kind)), nil
}

// HandleCancelOperation rejects a pending signing request.
func (h *Handlers) HandleCancelOperation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opID := req.GetString("operation_id", "")
	if opID == "" {
		return mcp.NewToolResultError("operation_id is required"), nil
	}

	if _, err := h.client.Cancel(ctx, opID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Operation %s cancelled. Nothing was signed.", opID)), nil
}

// HandleGetHistory shows recent broker activity.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.History(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatInitResult(raw json.RawMessage) (string, error) {
	var resp struct {
		Address            string         `json:"address"`
		Signer             string         `json:"signer"`
		AlreadyInitialized bool           `json:"alreadyInitialized"`
		Ledger             map[string]any `json:"ledger"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if resp.AlreadyInitialized {
		sb.WriteString("Session already active.\n")
	} else {
		sb.WriteString("Session initialized.\n")
	}
	fmt.Fprintf(&sb, "  Wallet:  %s\n", resp.Address)
	fmt.Fprintf(&sb, "  Session signer: %s\n", resp.Signer)
	if resp.Ledger != nil {
		if exists, ok := resp.Ledger["exists"].(bool); ok && exists {
			fmt.Fprintf(&sb, "  Ledger:  %s available / %s total\n",
				getString(resp.Ledger, "available"), getString(resp.Ledger, "total"))
		} else {
			sb.WriteString("  Ledger:  not created yet (fund it via init_session with an amount)\n")
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	currency := getString(m, "currency")
	if exists, ok := m["exists"].(bool); ok && !exists {
		return "No ledger exists for this wallet yet. Use init_session with an amount to create one.", nil
	}

	var sb strings.Builder
	sb.WriteString("Inference ledger:\n")
	fmt.Fprintf(&sb, "  Available: %s %s\n", getString(m, "available"), currency)
	fmt.Fprintf(&sb, "  Total deposited: %s %s\n", getString(m, "total"), currency)
	return sb.String(), nil
}

func formatOpList(ops []pending.Op) string {
	if len(ops) == 0 {
		return "No pending signing requests."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending signing request(s):\n\n", len(ops))
	for i, op := range ops {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, op.ID)
		fmt.Fprintf(&sb, "   Kind: %s | Requested: %s\n",
			op.Operation.Kind, op.CreatedAt.Format(time.RFC3339))
		switch op.Operation.Kind {
		case pending.KindSignTransaction:
			if tx := op.Operation.Transaction; tx != nil {
				fmt.Fprintf(&sb, "   To: %s | Value: %s\n", tx.To, tx.Value)
			}
		case pending.KindSignMessage:
			fmt.Fprintf(&sb, "   Message: %s\n", op.Operation.Message)
		}
		if i < len(ops)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected history response format")
	}

	if len(resp.Records) == 0 {
		return "No broker activity recorded for this wallet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d record(s):\n\n", len(resp.Records))
	for i, r := range resp.Records {
		fmt.Fprintf(&sb, "%d. %s", i+1, getString(r, "kind"))
		if v := getString(r, "amount"); v != "" {
			fmt.Fprintf(&sb, " | %s", v)
		}
		if v := getString(r, "provider"); v != "" {
			fmt.Fprintf(&sb, " | provider %s", v)
		}
		if v := getString(r, "txHash"); v != "" {
			fmt.Fprintf(&sb, " | tx %s", v)
		}
		if v := getString(r, "createdAt"); v != "" {
			fmt.Fprintf(&sb, " | %s", v)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
