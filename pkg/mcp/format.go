package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/payless/pkg/models"
)

type modelRow struct {
	Provider string
	Model    string
	Default  bool
	Price    models.PricingEntry
	Priced   bool
}

func formatBalance(userID string, balance int64) string {
	return fmt.Sprintf("Balance for %s: %d credits\n", userID, balance)
}

func formatVerified(userID string, balance int64) string {
	return fmt.Sprintf("Ledger OK for %s: event log replays to the stored balance of %d credits\n", userID, balance)
}

// formatEvents formats ledger events as a text table.
func formatEvents(events []models.LedgerEvent) string {
	if len(events) == 0 {
		return "No ledger events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-8s %10s  %-36s %s\n",
		"Time", "Kind", "Amount", "Reservation", "Correlation")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "%-20s %-8s %10d  %-36s %s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			ev.Kind, ev.Amount, ev.ReservationID, ev.CorrelationID)
	}
	return b.String()
}

func formatEstimate(est models.CostEstimate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cost Estimate\n"+
		"  Provider:       %s\n"+
		"  Model:          %s\n"+
		"  Input tokens:   %d\n"+
		"  Output tokens:  %d (assumed)\n"+
		"  Credits:        %d\n",
		est.Provider, est.Model, est.InputTokens, est.AssumedOutputTokens, est.EstimatedCredits)
	if est.Fallback {
		b.WriteString("  Note: model is not priced, fallback rate applied\n")
	}
	return b.String()
}

// formatModels formats the model catalog as a text table.
func formatModels(rows []modelRow) string {
	if len(rows) == 0 {
		return "No models found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-28s %10s %10s\n", "Provider", "Model", "Input/1K", "Output/1K")
	b.WriteString(strings.Repeat("-", 61) + "\n")
	for _, r := range rows {
		name := r.Model
		if r.Default {
			name += " *"
		}
		if !r.Priced {
			fmt.Fprintf(&b, "%-10s %-28s %10s %10s\n", r.Provider, name, "fallback", "fallback")
			continue
		}
		fmt.Fprintf(&b, "%-10s %-28s %10.3f %10.3f\n", r.Provider, name, r.Price.Input, r.Price.Output)
	}
	b.WriteString("* default model\n")
	return b.String()
}
