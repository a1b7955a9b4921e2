package orchestrator

import (
	"fmt"
	"strings"

	"github.com/planbot-dev/planbot/pkg/ticket"
)

// resumePrompt is what the assistant receives when continuing a preserved
// session after a restart.
const resumePrompt = "Continue from where you left off."

// fallbackAnswer is used for auto-answered questions that carry no options.
const fallbackAnswer = "use your best judgement"

// buildPlanPrompt renders the plan-generation prompt. When the prior plan
// was rejected with feedback, both are embedded under a delimited section so
// the next revision can address them.
func buildPlanPrompt(t *ticket.Ticket, prevPlan, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an implementation plan for the following ticket.\n\n")
	fmt.Fprintf(&b, "## Ticket %s: %s\n\n%s\n", t.ID, t.Title, t.Description)

	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if feedback != "" {
		b.WriteString("\n## Previous Plan Feedback\n\n")
		b.WriteString("The previous plan was rejected. Revise it to address the feedback.\n\n")
		fmt.Fprintf(&b, "### Previous plan\n\n%s\n\n", prevPlan)
		fmt.Fprintf(&b, "### Feedback\n\n%s\n", feedback)
	}
	return b.String()
}

// buildExecutePrompt renders the execution prompt from the approved plan.
func buildExecutePrompt(t *ticket.Ticket, plan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement ticket %s: %s\n\n%s\n", t.ID, t.Title, t.Description)
	if plan != "" {
		fmt.Fprintf(&b, "\nFollow this approved plan:\n\n%s\n", plan)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}
