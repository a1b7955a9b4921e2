package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planbot-dev/planbot/pkg/provider"
)

// fakeBotAPI is an in-memory Telegram Bot API for tests.
type fakeBotAPI struct {
	mu        sync.Mutex
	nextMsgID int64
	nextUpdID int64
	polls     int
	sent      []Message
	updates   []Update
}

func (f *fakeBotAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

		f.mu.Lock()
		defer f.mu.Unlock()

		var result any
		switch method {
		case "getMe":
			result = User{ID: 1, Username: "planbot_bot", IsBot: true}
		case "sendMessage":
			f.nextMsgID++
			chatID, _ := strconv.ParseInt(r.Form.Get("chat_id"), 10, 64)
			msg := Message{MessageID: f.nextMsgID, Chat: Chat{ID: chatID}, Text: r.Form.Get("text")}
			f.sent = append(f.sent, msg)
			result = msg
		case "getUpdates":
			f.polls++
			offset, _ := strconv.ParseInt(r.Form.Get("offset"), 10, 64)
			var out []Update
			if offset < 0 {
				if n := len(f.updates); n > 0 {
					out = f.updates[n-1:]
				}
			} else {
				for _, u := range f.updates {
					if u.UpdateID >= offset {
						out = append(out, u)
					}
				}
			}
			if out == nil {
				out = []Update{}
			}
			result = out
		default:
			http.Error(w, "unknown method", http.StatusNotFound)
			return
		}

		data, _ := json.Marshal(map[string]any{"ok": true, "result": result})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

// reply enqueues a user reply to a previously sent message.
func (f *fakeBotAPI) reply(chatID, replyToMsgID int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUpdID++
	f.updates = append(f.updates, Update{
		UpdateID: f.nextUpdID,
		Message: &Message{
			MessageID: 1000 + f.nextUpdID,
			From:      &User{ID: 7, Username: "alice"},
			Chat:      Chat{ID: chatID},
			Text:      text,
			ReplyTo:   &Message{MessageID: replyToMsgID},
		},
	})
}

func (f *fakeBotAPI) lastSent() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeBotAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// recordingSink records resolved responses.
type recordingSink struct {
	mu        sync.Mutex
	approvals []provider.ApprovalResponse
	answers   []provider.AnswerResponse
}

func (s *recordingSink) HandleApproval(resp provider.ApprovalResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals = append(s.approvals, resp)
	return true
}

func (s *recordingSink) HandleAnswer(resp provider.AnswerResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, resp)
	return true
}

func testProvider(t *testing.T, chatID int64) (*Provider, *fakeBotAPI, *recordingSink) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	p := New(NewClientWithBaseURL("test-token", srv.URL), chatID, sink)
	p.pollTimeout = 10 * time.Millisecond
	p.backoffBase = 10 * time.Millisecond
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })
	return p, api, sink
}

func TestConnectDrainsBacklog(t *testing.T) {
	p, api, sink := testProvider(t, 42)

	// Stale reply sitting in the backlog before connect.
	api.reply(42, 1, "yes")
	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.Connected())

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-1", TicketID: "T-1", Title: "t", Plan: "plan body",
	}))

	// The stale update never reaches the sink.
	time.Sleep(100 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.approvals)
}

func TestApprovalReplyCorrelation(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-1", TicketID: "T-1", Title: "Add logging", Plan: "1. add slog",
	}))

	api.reply(42, api.lastSent().MessageID, "yes")

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.approvals[0].Approved)
	assert.Equal(t, "plan-1", sink.approvals[0].PlanID)
	assert.Equal(t, "alice", sink.approvals[0].RespondedBy)
}

func TestRejectionCarriesFeedback(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-2", TicketID: "T-2", Title: "t", Plan: "body",
	}))
	api.reply(42, api.lastSent().MessageID, "split this into two migrations")

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.False(t, sink.approvals[0].Approved)
	assert.Equal(t, "split this into two migrations", sink.approvals[0].RejectionReason)
}

func TestWrongChatIgnored(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-3", TicketID: "T-3", Title: "t", Plan: "body",
	}))
	planMsg := api.lastSent().MessageID

	// Reply from a different chat must be ignored even with correct reply id.
	api.reply(99, planMsg, "yes")
	time.Sleep(100 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.approvals)
	sink.mu.Unlock()
	assert.Zero(t, n)

	// The legitimate chat still resolves it.
	api.reply(42, planMsg, "yes")
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTextlessReplyKeepsWaiting(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-4", TicketID: "T-4", Title: "t", Plan: "body",
	}))
	planMsg := api.lastSent().MessageID

	// A sticker-style reply with no text must not settle the approval.
	api.reply(42, planMsg, "")
	time.Sleep(100 * time.Millisecond)
	sink.mu.Lock()
	n := len(sink.approvals)
	sink.mu.Unlock()
	assert.Zero(t, n)

	// A later textual reply still resolves it.
	api.reply(42, planMsg, "yes")
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.approvals[0].Approved)
	assert.Equal(t, "plan-4", sink.approvals[0].PlanID)
}

func TestPollBackoffBetweenEmptyCycles(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	p.backoffBase = 200 * time.Millisecond
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-5", TicketID: "T-5", Title: "t", Plan: "body",
	}))

	// Without the inter-cycle delay the loop would poll dozens of times in
	// this window.
	time.Sleep(500 * time.Millisecond)
	assert.LessOrEqual(t, api.pollCount(), 5)

	// Backed-off polling still picks up the reply.
	api.reply(42, api.lastSent().MessageID, "yes")
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQuestionNumericReply(t *testing.T) {
	p, api, sink := testProvider(t, 42)
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.SendQuestion(context.Background(), provider.QuestionRequest{
		QuestionID: "q-1",
		TicketID:   "T-1",
		Text:       "Which database?",
		Options: []provider.Option{
			{Label: "Postgres", Value: "postgres"},
			{Label: "SQLite", Value: "sqlite"},
		},
	}))
	api.reply(42, api.lastSent().MessageID, "2")

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.answers) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "sqlite", sink.answers[0].Answer)
	assert.Equal(t, "sqlite", sink.answers[0].MatchedOption)
}

func TestSendStatusRequiresConnection(t *testing.T) {
	p, _, _ := testProvider(t, 42)
	err := p.SendStatus(context.Background(), provider.StatusUpdate{Event: "ticket:completed"})
	assert.Error(t, err)
}
