package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/budgetd/pkg/models"
)

type toolArgs struct {
	AccountID string `json:"account_id"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

type toolHandler func(ctx context.Context, s *Server, args toolArgs) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"budget_status":  handleStatus,
	"budget_history": handleHistory,
	"cost_log":       handleCostLog,
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "budget_status",
			Description: "Show an account's spend and cap for the current month.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"account_id"},
				"properties": map[string]any{
					"account_id": stringProp("Account to inspect"),
				},
			},
		},
		{
			Name:        "budget_history",
			Description: "List audited budget overrides, newest first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"account_id": stringProp("Filter by account (optional)"),
					"limit":      map[string]any{"type": "integer", "description": "Max entries (optional)"},
				},
			},
		},
		{
			Name:        "cost_log",
			Description: "List recorded cost entries, newest first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"account_id": stringProp("Filter by account (optional)"),
					"since":      stringProp("Start date in YYYY-MM-DD format (optional)"),
					"limit":      map[string]any{"type": "integer", "description": "Max entries (optional)"},
				},
			},
		},
	}
}

func (s *Server) call(ctx context.Context, params ToolCallParams) ToolCallResult {
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return errorResult("unknown tool: " + params.Name)
	}
	var args toolArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}
	return handler(ctx, s, args)
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleStatus(ctx context.Context, s *Server, args toolArgs) ToolCallResult {
	if args.AccountID == "" {
		return errorResult("account_id is required")
	}
	acct, ok, err := s.gate.Status(ctx, args.AccountID)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatStatus(acct, ok))
}

func handleHistory(ctx context.Context, s *Server, args toolArgs) ToolCallResult {
	entries, err := s.override.History(ctx, args.AccountID, args.Limit)
	if err != nil {
		return errorResult("Error fetching budget history: " + err.Error())
	}
	return textResult(formatAuditEntries(entries))
}

func handleCostLog(ctx context.Context, s *Server, args toolArgs) ToolCallResult {
	opts := models.CostQueryOpts{AccountID: args.AccountID, Limit: args.Limit}
	if args.Since != "" {
		t, err := time.Parse(models.MonthLayout, args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}
	entries, err := s.costs.ListCosts(ctx, opts)
	if err != nil {
		return errorResult("Error fetching cost log: " + err.Error())
	}
	return textResult(formatCosts(entries))
}
