package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAborted indicates a pending request was canceled before a reply arrived.
var ErrAborted = errors.New("aborted")

// ErrNoProviders indicates a request was made with no registered providers.
var ErrNoProviders = errors.New("no providers registered")

// ErrUnknownProvider indicates the named provider is not registered.
var ErrUnknownProvider = errors.New("provider not registered")

// Multiplexer fans approval and question requests out to every registered
// provider and resolves each request with the first reply that arrives, from
// whichever channel. It is the ResponseSink handed to providers.
type Multiplexer struct {
	logger *slog.Logger

	mu        sync.Mutex
	providers []Provider
	connected bool
	approvals map[string]chan ApprovalResponse
	answers   map[string]chan AnswerResponse
}

// NewMultiplexer creates an empty multiplexer. Register providers before
// calling Connect.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		logger:    slog.Default().With("component", "provider_mux"),
		approvals: make(map[string]chan ApprovalResponse),
		answers:   make(map[string]chan AnswerResponse),
	}
}

// Register adds a provider. Call before Connect.
func (m *Multiplexer) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// RemoveProvider unregisters the named provider and disconnects it. Pending
// requests stay live; they resolve through the remaining providers or time
// out.
func (m *Multiplexer) RemoveProvider(ctx context.Context, name string) error {
	m.mu.Lock()
	var removed Provider
	kept := m.providers[:0]
	for _, p := range m.providers {
		if removed == nil && p.Name() == name {
			removed = p
			continue
		}
		kept = append(kept, p)
	}
	m.providers = kept
	m.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	m.logger.Info("Provider removed", "provider", name)
	return removed.Disconnect(ctx)
}

// Providers returns the registered providers.
func (m *Multiplexer) Providers() []Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Provider{}, m.providers...)
}

// Connect connects every registered provider. Individual failures are
// collected; already-connected is a no-op.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	providers := append([]Provider{}, m.providers...)
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Connect(ctx); err != nil {
			errs = append(errs, err)
			m.logger.Warn("Provider failed to connect", "provider", p.Name(), "error", err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect aborts all pending requests and disconnects every provider.
// Idempotent.
func (m *Multiplexer) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	for id, ch := range m.approvals {
		close(ch)
		delete(m.approvals, id)
	}
	for id, ch := range m.answers {
		close(ch)
		delete(m.answers, id)
	}
	providers := append([]Provider{}, m.providers...)
	m.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if err := p.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RequestApproval sends the plan to every provider and blocks until the
// first reply, the timeout, or cancellation. A missing PlanID is filled in
// with a fresh uuid.
func (m *Multiplexer) RequestApproval(ctx context.Context, req ApprovalRequest, timeout time.Duration) (ApprovalResponse, error) {
	if req.PlanID == "" {
		req.PlanID = uuid.NewString()
	}

	ch := make(chan ApprovalResponse, 1)
	m.mu.Lock()
	if len(m.providers) == 0 {
		m.mu.Unlock()
		return ApprovalResponse{}, ErrNoProviders
	}
	m.approvals[req.PlanID] = ch
	providers := append([]Provider{}, m.providers...)
	m.mu.Unlock()

	m.broadcast(ctx, providers, "approval", func(ctx context.Context, p Provider) error {
		return p.SendPlanForApproval(ctx, req)
	})

	resp, err := await(ctx, ch, timeout, &TimeoutError{Operation: "approval", ID: req.PlanID})
	if err != nil {
		m.dropApproval(req.PlanID)
		return ApprovalResponse{}, err
	}
	return resp, nil
}

// AskQuestion sends the question to every provider and blocks until the
// first answer, the timeout, or cancellation.
func (m *Multiplexer) AskQuestion(ctx context.Context, req QuestionRequest, timeout time.Duration) (AnswerResponse, error) {
	if req.QuestionID == "" {
		req.QuestionID = uuid.NewString()
	}

	ch := make(chan AnswerResponse, 1)
	m.mu.Lock()
	if len(m.providers) == 0 {
		m.mu.Unlock()
		return AnswerResponse{}, ErrNoProviders
	}
	m.answers[req.QuestionID] = ch
	providers := append([]Provider{}, m.providers...)
	m.mu.Unlock()

	m.broadcast(ctx, providers, "question", func(ctx context.Context, p Provider) error {
		return p.SendQuestion(ctx, req)
	})

	resp, err := await(ctx, ch, timeout, &TimeoutError{Operation: "question", ID: req.QuestionID})
	if err != nil {
		m.dropAnswer(req.QuestionID)
		return AnswerResponse{}, err
	}
	return resp, nil
}

// BroadcastStatus delivers a status update to every provider, best effort.
func (m *Multiplexer) BroadcastStatus(ctx context.Context, update StatusUpdate) {
	if update.Time.IsZero() {
		update.Time = time.Now().UTC()
	}
	m.mu.Lock()
	providers := append([]Provider{}, m.providers...)
	m.mu.Unlock()

	m.broadcast(ctx, providers, "status", func(ctx context.Context, p Provider) error {
		return p.SendStatus(ctx, update)
	})
}

// CancelApproval aborts a pending approval; its waiter receives ErrAborted.
func (m *Multiplexer) CancelApproval(planID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.approvals[planID]; ok {
		delete(m.approvals, planID)
		close(ch)
	}
}

// CancelQuestion aborts a pending question; its waiter receives ErrAborted.
func (m *Multiplexer) CancelQuestion(questionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.answers[questionID]; ok {
		delete(m.answers, questionID)
		close(ch)
	}
}

// HandleApproval resolves a pending approval. The first reply wins; later
// replies for the same plan return false and are dropped.
func (m *Multiplexer) HandleApproval(resp ApprovalResponse) bool {
	m.mu.Lock()
	ch, ok := m.approvals[resp.PlanID]
	if ok {
		delete(m.approvals, resp.PlanID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("Dropping reply for unknown or settled plan", "plan_id", resp.PlanID)
		return false
	}
	ch <- resp
	return true
}

// HandleAnswer resolves a pending question. The first reply wins.
func (m *Multiplexer) HandleAnswer(resp AnswerResponse) bool {
	m.mu.Lock()
	ch, ok := m.answers[resp.QuestionID]
	if ok {
		delete(m.answers, resp.QuestionID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("Dropping answer for unknown or settled question", "question_id", resp.QuestionID)
		return false
	}
	ch <- resp
	return true
}

// PendingApprovals returns the ids of unsettled approval requests.
func (m *Multiplexer) PendingApprovals() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.approvals))
	for id := range m.approvals {
		ids = append(ids, id)
	}
	return ids
}

// broadcast delivers a request to all providers concurrently. Failures are
// logged, not returned; one dead channel must not silence the others.
func (m *Multiplexer) broadcast(ctx context.Context, providers []Provider, kind string, send func(context.Context, Provider) error) {
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			if err := send(ctx, p); err != nil {
				m.logger.Warn("Provider delivery failed", "provider", p.Name(), "kind", kind, "error", err)
			}
		}(p)
	}
	wg.Wait()
}

func (m *Multiplexer) dropApproval(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approvals, id)
}

func (m *Multiplexer) dropAnswer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.answers, id)
}

// await blocks on the reply channel until a response, channel close (abort),
// timeout, or context cancellation.
func await[T any](ctx context.Context, ch <-chan T, timeout time.Duration, timeoutErr error) (T, error) {
	var zero T

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return zero, ErrAborted
		}
		return resp, nil
	case <-timer:
		return zero, timeoutErr
	case <-ctx.Done():
		return zero, ErrAborted
	}
}
