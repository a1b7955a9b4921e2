package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planbot-dev/planbot/pkg/provider"
)

type stubSink struct {
	mu        sync.Mutex
	approvals []provider.ApprovalResponse
	answers   []provider.AnswerResponse
	accept    bool
}

func (s *stubSink) HandleApproval(resp provider.ApprovalResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals = append(s.approvals, resp)
	return s.accept
}

func (s *stubSink) HandleAnswer(resp provider.AnswerResponse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, resp)
	return s.accept
}

const testSecret = "super-secret"

func startServer(t *testing.T, sink *stubSink) *Server {
	t.Helper()
	s, err := New(Config{Addr: "127.0.0.1:0", Secret: testSecret}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func post(t *testing.T, s *Server, path string, payload any, sign bool, mutate func(*http.Request)) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s%s", s.Addr(), path), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(SignatureHeader, Sign([]byte(testSecret), body))
	}
	if mutate != nil {
		mutate(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSecretRequired(t *testing.T) {
	_, err := New(Config{}, &stubSink{}, nil)
	assert.ErrorIs(t, err, ErrSecretRequired)

	s, err := New(Config{AllowInsecure: true}, &stubSink{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestApproveSignedRequest(t *testing.T) {
	sink := &stubSink{accept: true}
	s := startServer(t, sink)

	require.NoError(t, s.SendPlanForApproval(context.Background(), provider.ApprovalRequest{
		PlanID: "plan-1", TicketID: "T-1", Title: "t", Plan: "body",
	}))

	resp := post(t, s, "/approve", map[string]any{
		"planId":   "plan-1",
		"approved": true,
	}, true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.approvals, 1)
	assert.True(t, sink.approvals[0].Approved)
	assert.Equal(t, "api-client", sink.approvals[0].RespondedBy)
}

func TestRejectWithReason(t *testing.T) {
	sink := &stubSink{accept: true}
	s := startServer(t, sink)

	resp := post(t, s, "/approve", map[string]any{
		"planId":          "plan-2",
		"approved":        false,
		"rejectionReason": "too risky",
		"respondedBy":     "alice",
	}, true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.approvals, 1)
	assert.False(t, sink.approvals[0].Approved)
	assert.Equal(t, "too risky", sink.approvals[0].RejectionReason)
	assert.Equal(t, "alice", sink.approvals[0].RespondedBy)
}

func TestSignatureMatrix(t *testing.T) {
	sink := &stubSink{accept: true}
	s := startServer(t, sink)

	payload := map[string]any{"planId": "plan-3", "approved": true}

	t.Run("missing signature", func(t *testing.T) {
		resp := post(t, s, "/approve", payload, false, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong signature", func(t *testing.T) {
		resp := post(t, s, "/approve", payload, false, func(r *http.Request) {
			r.Header.Set(SignatureHeader, Sign([]byte("wrong-secret"), []byte("{}")))
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("signature over different body", func(t *testing.T) {
		resp := post(t, s, "/approve", payload, false, func(r *http.Request) {
			r.Header.Set(SignatureHeader, Sign([]byte(testSecret), []byte(`{"planId":"other"}`)))
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid with sha256 prefix", func(t *testing.T) {
		body, _ := json.Marshal(payload)
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/approve", s.Addr()), bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, "sha256="+Sign([]byte(testSecret), body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	// No signed request without a valid signature reached the sink.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.approvals, 1)
}

func TestRespondMatchesOptions(t *testing.T) {
	sink := &stubSink{accept: true}
	s := startServer(t, sink)

	require.NoError(t, s.SendQuestion(context.Background(), provider.QuestionRequest{
		QuestionID: "q-1",
		Options: []provider.Option{
			{Label: "Postgres", Value: "postgres"},
			{Label: "SQLite", Value: "sqlite"},
		},
	}))

	resp := post(t, s, "/respond", map[string]any{
		"questionId": "q-1",
		"answer":     "SQLITE",
	}, true, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.answers, 1)
	assert.Equal(t, "sqlite", sink.answers[0].Answer)
	assert.Equal(t, "sqlite", sink.answers[0].MatchedOption)
}

func TestSettledRequestReturns404(t *testing.T) {
	sink := &stubSink{accept: false}
	s := startServer(t, sink)

	resp := post(t, s, "/approve", map[string]any{"planId": "gone", "approved": true}, true, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthIsExempt(t *testing.T) {
	s := startServer(t, &stubSink{accept: true})

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["uptime"])
}

func TestStatusListsPending(t *testing.T) {
	sink := &stubSink{accept: true}
	s := startServer(t, sink)

	require.NoError(t, s.SendPlanForApproval(context.Background(), provider.ApprovalRequest{PlanID: "p1"}))
	require.NoError(t, s.SendStatus(context.Background(), provider.StatusUpdate{
		Event: "ticket:executing", TicketID: "T-1", Time: time.Now(),
	}))

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/status", s.Addr()), nil)
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), nil))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		LastStatus       *provider.StatusUpdate     `json:"lastStatus"`
		PendingApprovals []provider.ApprovalRequest `json:"pendingApprovals"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.LastStatus)
	assert.Equal(t, "ticket:executing", body.LastStatus.Event)
	require.Len(t, body.PendingApprovals, 1)
	assert.Equal(t, "p1", body.PendingApprovals[0].PlanID)
}
