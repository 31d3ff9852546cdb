package api

import (
	"fmt"
	"strings"

	"github.com/peakform/coach/internal/backend"
)

// The dev server answers every question with deterministic canned coaching.
// The point is exercising the wire protocol, not being insightful.

func replyTo(persona, message string) string {
	switch persona {
	case "strategist":
		return fmt.Sprintf(
			"Looking at this strategically: %q touches positioning more than execution. "+
				"Pick the one market segment where you win most often, write down why, "+
				"and cut any initiative this quarter that does not serve it.", message)
	case "accountant":
		return fmt.Sprintf(
			"Running the numbers on %q: start with three figures, monthly recurring revenue, "+
				"gross margin, and cash runway. If you cannot produce all three in under a minute, "+
				"that reporting gap is the first thing to fix.", message)
	default:
		return fmt.Sprintf(
			"Let's break that down. You asked: %q. Name the single metric this decision should move, "+
				"write down what you expect to happen in 30 days, and we will review it together next session.", message)
	}
}

func personaTools(persona string) []string {
	switch persona {
	case "strategist":
		return []string{"market_scan", "goal_tracker"}
	case "accountant":
		return []string{"cashflow", "margin_report"}
	default:
		return []string{"goal_tracker"}
	}
}

func classifyIntent(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "revenue") || strings.Contains(m, "cash") || strings.Contains(m, "margin"):
		return "finance"
	case strings.Contains(m, "hire") || strings.Contains(m, "hiring") || strings.Contains(m, "team"):
		return "people"
	case strings.Contains(m, "goal") || strings.Contains(m, "plan"):
		return "planning"
	default:
		return "general"
	}
}

func splitWords(s string) []string {
	return strings.Fields(s)
}

func demoGoals() []backend.Goal {
	return []backend.Goal{
		{ID: "goal-mrr", Title: "Grow monthly recurring revenue 20%"},
		{ID: "goal-churn", Title: "Cut churn below 3%"},
		{ID: "goal-hiring", Title: "Hire two senior engineers"},
	}
}
