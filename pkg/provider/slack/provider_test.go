package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planbot-dev/planbot/pkg/provider"
)

func TestNilProvider(t *testing.T) {
	var p *Provider

	assert.Nil(t, New(Config{Token: "", Channel: "C123"}))
	assert.Nil(t, New(Config{Token: "xoxb-test", Channel: ""}))

	// All methods are no-ops on nil.
	assert.NoError(t, p.Connect(context.Background()))
	assert.NoError(t, p.SendStatus(context.Background(), provider.StatusUpdate{Event: "ticket:completed"}))
	assert.NoError(t, p.Disconnect(context.Background()))
	assert.False(t, p.Connected())
}

// fakeSlackAPI records chat.postMessage calls.
type fakeSlackAPI struct {
	mu    sync.Mutex
	posts int
}

func (f *fakeSlackAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth.test":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "team": "planbot", "user": "bot"})
		case "/chat.postMessage":
			f.mu.Lock()
			f.posts++
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C123", "ts": "1.2"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "unknown_method"})
		}
	})
}

func testSlackProvider(t *testing.T) (*Provider, *fakeSlackAPI) {
	t.Helper()
	api := &fakeSlackAPI{}
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	// slack-go appends the method to the base URL, which must end in "/".
	p := NewWithAPIURL(Config{Token: "xoxb-test", Channel: "C123"}, srv.URL+"/")
	return p, api
}

func TestConnectAndNotify(t *testing.T) {
	p, api := testSlackProvider(t)

	require.NoError(t, p.Connect(context.Background()))
	assert.True(t, p.Connected())

	require.NoError(t, p.SendStatus(context.Background(), provider.StatusUpdate{
		Event:    "ticket:completed",
		TicketID: "T-1",
		Message:  "done",
		Time:     time.Now(),
	}))
	require.NoError(t, p.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-1", TicketID: "T-1", Title: "t", Plan: "## Plan",
	}))
	require.NoError(t, p.SendQuestion(context.Background(), provider.QuestionRequest{
		QuestionID: "q-1", TicketID: "T-1", Text: "Which?",
		Options: []provider.Option{{Label: "A", Value: "a"}},
	}))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 3, api.posts)
}
