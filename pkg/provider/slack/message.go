package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/planbot-dev/planbot/pkg/provider"
)

const maxBlockTextLength = 2900

var eventEmoji = map[string]string{
	"queue:start":          ":rocket:",
	"queue:complete":       ":checkered_flag:",
	"queue:paused":         ":pause_button:",
	"ticket:start":         ":arrows_counterclockwise:",
	"ticket:plan-generated": ":clipboard:",
	"ticket:approved":      ":white_check_mark:",
	"ticket:rejected":      ":no_entry_sign:",
	"ticket:executing":     ":hammer_and_wrench:",
	"ticket:completed":     ":white_check_mark:",
	"ticket:failed":        ":x:",
	"ticket:skipped":       ":fast_forward:",
	"error":                ":x:",
}

// BuildStatusMessage creates Block Kit blocks for a progress notification.
func BuildStatusMessage(update provider.StatusUpdate) []goslack.Block {
	emoji := eventEmoji[update.Event]
	if emoji == "" {
		emoji = ":information_source:"
	}

	text := fmt.Sprintf("%s *%s*", emoji, update.Event)
	if update.TicketID != "" {
		text += fmt.Sprintf(" `%s`", update.TicketID)
	}
	if update.Message != "" {
		text += "\n" + truncateForSlack(update.Message)
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildPlanMessage creates Block Kit blocks announcing a plan awaiting
// approval. Slack is notification-only; the reply instructions point at the
// interactive channels.
func BuildPlanMessage(req provider.ApprovalRequest) []goslack.Block {
	header := fmt.Sprintf(":clipboard: *Plan ready for approval* `%s`: %s", req.TicketID, req.Title)
	footer := "_Approve via Telegram or the webhook API._"

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(req.Plan), false, false),
			nil, nil,
		),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, footer, false, false),
		),
	}
}

// BuildQuestionMessage creates Block Kit blocks announcing an open question.
func BuildQuestionMessage(req provider.QuestionRequest) []goslack.Block {
	text := fmt.Sprintf(":question: *Question* `%s`\n%s", req.TicketID, truncateForSlack(req.Text))
	for i, opt := range req.Options {
		text += fmt.Sprintf("\n%d. %s", i+1, opt.Label)
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "…"
}
