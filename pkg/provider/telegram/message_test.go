package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planbot-dev/planbot/pkg/provider"
)

func TestChunkTextShort(t *testing.T) {
	chunks := chunkText("hello", 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0])
}

func TestChunkTextPrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := chunkText(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60), chunks[0])
	assert.Equal(t, strings.Repeat("b", 60), chunks[1])
}

func TestChunkTextFallsBackToSpace(t *testing.T) {
	text := strings.Repeat("a", 60) + " " + strings.Repeat("b", 60)
	chunks := chunkText(text, 100)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 60)+" ", chunks[0])
	assert.Equal(t, strings.Repeat("b", 60), chunks[1])

	// A space boundary never loses characters.
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestChunkTextDropsOnlyTheSplitNewline(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	chunks := chunkText(text, 100)
	require.Len(t, chunks, 2)

	// Exactly one newline is consumed by the cut; rejoining with a single
	// newline restores the original.
	assert.Equal(t, text, chunks[0]+"\n"+chunks[1])
}

func TestChunkTextHardCut(t *testing.T) {
	// A boundary in the first half of the limit is ignored.
	text := "ab " + strings.Repeat("c", 200)
	chunks := chunkText(text, 100)
	require.True(t, len(chunks) >= 2)
	assert.Len(t, chunks[0], 100)

	// No data lost.
	assert.Equal(t, len(text), len(strings.Join(chunks, "")))
}

func TestParseApproval(t *testing.T) {
	tests := []struct {
		reply    string
		approved bool
		reason   string
	}{
		{"yes", true, ""},
		{"  YES  ", true, ""},
		{"y", true, ""},
		{"LGTM", true, ""},
		{"👍", true, ""},
		{"ok", true, ""},
		{"no", false, "no"},
		{"use smaller batches please", false, "use smaller batches please"},
		{"", false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.reply, func(t *testing.T) {
			resp := parseApproval("plan-1", tc.reply, "alice")
			assert.Equal(t, tc.approved, resp.Approved)
			assert.Equal(t, tc.reason, resp.RejectionReason)
			assert.Equal(t, "plan-1", resp.PlanID)
		})
	}
}

func TestParseAnswer(t *testing.T) {
	options := []provider.Option{
		{Label: "Postgres", Value: "postgres"},
		{Label: "SQLite", Value: "sqlite"},
	}

	tests := []struct {
		name    string
		reply   string
		answer  string
		matched string
	}{
		{"numeric selection", "2", "sqlite", "sqlite"},
		{"numeric out of range", "9", "9", ""},
		{"label match case-insensitive", "postgres", "postgres", "postgres"},
		{"label match exact", "SQLite", "sqlite", "sqlite"},
		{"freeform", "use mysql actually", "use mysql actually", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := parseAnswer("q-1", tc.reply, "bob", options)
			assert.Equal(t, tc.answer, resp.Answer)
			assert.Equal(t, tc.matched, resp.MatchedOption)
		})
	}
}

func TestParseAnswerNoOptions(t *testing.T) {
	resp := parseAnswer("q-1", "  anything goes  ", "", nil)
	assert.Equal(t, "anything goes", resp.Answer)
	assert.Empty(t, resp.MatchedOption)
}

func TestFormatQuestionNumbersOptions(t *testing.T) {
	text := formatQuestion(provider.QuestionRequest{
		TicketID: "T-1",
		Text:     "Which database?",
		Options: []provider.Option{
			{Label: "Postgres", Value: "postgres"},
			{Label: "SQLite", Value: "sqlite"},
		},
	})
	assert.Contains(t, text, "1. Postgres")
	assert.Contains(t, text, "2. SQLite")
	assert.Contains(t, text, "Which database?")
}
