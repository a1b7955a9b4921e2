package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/planbot-dev/planbot/pkg/provider"
)

// chunkLimit leaves headroom under Telegram's 4096-character message cap for
// the chunk header.
const chunkLimit = 3996

// approvalWords are replies treated as plan approval, compared after
// trimming and lowercasing. Anything else is a rejection whose text becomes
// the feedback.
var approvalWords = map[string]struct{}{
	"y":        {},
	"yes":      {},
	"approve":  {},
	"approved": {},
	"ok":       {},
	"lgtm":     {},
	"thumbsup": {},
	"👍":        {},
}

// chunkText splits text into pieces of at most limit characters, preferring
// newline boundaries, then spaces. A boundary is only taken when it keeps at
// least half the limit; otherwise the cut is hard. The one newline a cut
// lands on is dropped; everything else, spaces included, is preserved.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut, drop := limit, 0
		if idx := strings.LastIndex(text[:limit], "\n"); idx >= limit/2 {
			cut, drop = idx, 1
		} else if idx := strings.LastIndex(text[:limit], " "); idx >= limit/2 {
			// Cut after the space so it stays with the leading chunk.
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut+drop:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// formatPlan renders the approval request. The final chunk carries the reply
// instructions, so it is the one replies should target.
func formatPlan(req provider.ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📋 Plan for %s: %s\n\n", req.TicketID, req.Title)
	b.WriteString(req.Plan)
	b.WriteString("\n\nReply to this message with \"yes\" to approve, or anything else to reject with feedback.")
	return b.String()
}

// formatQuestion renders a question with numbered options.
func formatQuestion(req provider.QuestionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❓ Question for %s:\n%s\n", req.TicketID, req.Text)
	for i, opt := range req.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt.Label)
		if opt.Label != opt.Value && opt.Value != "" {
			fmt.Fprintf(&b, " (%s)", opt.Value)
		}
	}
	if len(req.Options) > 0 {
		b.WriteString("\n\nReply with a number, an option, or a freeform answer.")
	} else {
		b.WriteString("\nReply to this message with your answer.")
	}
	return b.String()
}

// formatStatus renders a one-way progress update.
func formatStatus(update provider.StatusUpdate) string {
	if update.TicketID != "" {
		return fmt.Sprintf("[%s] %s: %s", update.Event, update.TicketID, update.Message)
	}
	return fmt.Sprintf("[%s] %s", update.Event, update.Message)
}

// parseApproval classifies a reply to a plan message.
func parseApproval(planID, text, respondedBy string) provider.ApprovalResponse {
	trimmed := strings.TrimSpace(text)
	if _, ok := approvalWords[strings.ToLower(trimmed)]; ok {
		return provider.ApprovalResponse{PlanID: planID, Approved: true, RespondedBy: respondedBy}
	}
	return provider.ApprovalResponse{
		PlanID:          planID,
		Approved:        false,
		RejectionReason: trimmed,
		RespondedBy:     respondedBy,
	}
}

// parseAnswer resolves a reply to a question message: a number selects the
// corresponding option, a case-insensitive label or value match selects that
// option, anything else is a freeform answer.
func parseAnswer(questionID, text, respondedBy string, options []provider.Option) provider.AnswerResponse {
	trimmed := strings.TrimSpace(text)
	resp := provider.AnswerResponse{QuestionID: questionID, Answer: trimmed, RespondedBy: respondedBy}

	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(options) {
		opt := options[n-1]
		resp.Answer = opt.Value
		resp.MatchedOption = opt.Value
		return resp
	}
	for _, opt := range options {
		if strings.EqualFold(trimmed, opt.Label) || strings.EqualFold(trimmed, opt.Value) {
			resp.Answer = opt.Value
			resp.MatchedOption = opt.Value
			return resp
		}
	}
	return resp
}
