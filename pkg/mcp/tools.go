package mcp

import (
	"context"
	"encoding/json"

	"github.com/pario-ai/payless/pkg/metering"
)

// Tool argument structs.

type userArgs struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

type estimateArgs struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt"`
	MaxTokens    int    `json:"max_tokens"`
}

type modelsArgs struct {
	Provider string `json:"provider"`
}

// toolHandler is a function that handles a tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"payless_balance":  handleBalance,
	"payless_events":   handleEvents,
	"payless_estimate": handleEstimate,
	"payless_models":   handleModels,
	"payless_verify":   handleVerify,
}

func userSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"user_id": map[string]any{
			"type":        "string",
			"description": "The user whose credits to inspect",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"required":   []string{"user_id"},
		"properties": props,
	}
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "payless_balance",
		Description: "Show a user's spendable credit balance.",
		InputSchema: userSchema(nil),
	},
	{
		Name:        "payless_events",
		Description: "List a user's ledger events (earn, reserve, commit, release), newest last.",
		InputSchema: userSchema(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"description": "Only show the last N events (optional, default 50)",
			},
		}),
	},
	{
		Name:        "payless_estimate",
		Description: "Estimate the credit ceiling of a prompt before running it.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"prompt"},
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "openai, anthropic or gemini (optional if model implies it)",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Model id (optional, defaults to the provider's default)",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt text",
				},
				"system_prompt": map[string]any{
					"type":        "string",
					"description": "System prompt, counted as input (optional)",
				},
				"max_tokens": map[string]any{
					"type":        "integer",
					"description": "Maximum output tokens (optional, default 1000)",
				},
			},
		},
	},
	{
		Name:        "payless_models",
		Description: "List providers, their models and per-1K-token credit prices.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"provider": map[string]any{
					"type":        "string",
					"description": "Only list this provider (optional)",
				},
			},
		},
	},
	{
		Name:        "payless_verify",
		Description: "Replay a user's ledger events and check them against the stored balance.",
		InputSchema: userSchema(nil),
	},
}

func textResult(text string) ToolCallResult { return toolResult(text, false) }

func errorResult(text string) ToolCallResult { return toolResult(text, true) }

func parseUserArgs(raw json.RawMessage) (userArgs, string) {
	var args userArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return args, "invalid arguments: " + err.Error()
		}
	}
	if args.UserID == "" {
		return args, "user_id is required"
	}
	return args, ""
}

func handleBalance(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	args, msg := parseUserArgs(rawArgs)
	if msg != "" {
		return errorResult(msg)
	}
	bal, err := s.ledger.Balance(ctx, args.UserID)
	if err != nil {
		return errorResult("Error fetching balance: " + err.Error())
	}
	return textResult(formatBalance(args.UserID, bal))
}

func handleEvents(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	args, msg := parseUserArgs(rawArgs)
	if msg != "" {
		return errorResult(msg)
	}
	events, err := s.ledger.Events(ctx, args.UserID)
	if err != nil {
		return errorResult("Error fetching events: " + err.Error())
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return textResult(formatEvents(events))
}

func handleEstimate(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args estimateArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}
	if args.Prompt == "" {
		return errorResult("prompt is required")
	}
	_, est, err := s.meter.Estimate(metering.Request{
		Provider:     args.Provider,
		Model:        args.Model,
		Prompt:       args.Prompt,
		SystemPrompt: args.SystemPrompt,
		MaxTokens:    args.MaxTokens,
	})
	if err != nil {
		return errorResult("Error estimating cost: " + err.Error())
	}
	return textResult(formatEstimate(est))
}

func handleModels(_ context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args modelsArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	names := s.registry.Providers()
	if args.Provider != "" {
		names = []string{args.Provider}
	}

	rows := make([]modelRow, 0, 16)
	for _, name := range names {
		d, err := s.registry.Descriptor(name)
		if err != nil {
			return errorResult("Error listing models: " + err.Error())
		}
		for _, m := range d.AvailableModels {
			row := modelRow{Provider: name, Model: m, Default: m == d.DefaultModel}
			row.Price, row.Priced = s.registry.Table().Lookup(m)
			rows = append(rows, row)
		}
	}
	return textResult(formatModels(rows))
}

func handleVerify(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	args, msg := parseUserArgs(rawArgs)
	if msg != "" {
		return errorResult(msg)
	}
	bal, err := s.ledger.Verify(ctx, args.UserID)
	if err != nil {
		return errorResult("Ledger verification failed: " + err.Error())
	}
	return textResult(formatVerified(args.UserID, bal))
}
