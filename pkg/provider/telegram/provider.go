package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/planbot-dev/planbot/pkg/provider"
)

const (
	// defaultPollTimeout is the long-poll window for getUpdates.
	defaultPollTimeout = 30 * time.Second

	// Poll cycles that fail or produce no matching reply back off
	// geometrically up to the cap; a matched reply resets the delay.
	initialBackoff = 3 * time.Second
	backoffFactor  = 1.3
	maxBackoff     = 60 * time.Second
)

const (
	kindPlan     = "plan"
	kindQuestion = "question"
)

// trackedMessage ties a sent chat message to the request awaiting its reply.
type trackedMessage struct {
	kind     string
	targetID string
	options  []provider.Option
}

// Provider is the Telegram chat channel. It long-polls getUpdates only while
// requests are outstanding and correlates replies via reply_to_message.
type Provider struct {
	client      *Client
	chatID      int64
	sink        provider.ResponseSink
	pollTimeout time.Duration
	backoffBase time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	connected bool
	offset    int64
	tracked   map[int64]trackedMessage
	cancel    context.CancelFunc
	pollDone  chan struct{}
}

// New creates a Telegram provider bound to a single chat. Replies from any
// other chat are ignored.
func New(client *Client, chatID int64, sink provider.ResponseSink) *Provider {
	return &Provider{
		client:      client,
		chatID:      chatID,
		sink:        sink,
		pollTimeout: defaultPollTimeout,
		backoffBase: initialBackoff,
		logger:      slog.Default().With("component", "telegram-provider"),
		tracked:     make(map[int64]trackedMessage),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "telegram" }

// Connect verifies the bot token and drains the update backlog so stale
// messages sent before this run are never treated as replies.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	me, err := p.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram auth failed: %w", err)
	}

	// offset -1 returns only the newest update; skipping past it discards
	// the whole backlog.
	updates, err := p.client.GetUpdates(ctx, -1, 0)
	if err != nil {
		return fmt.Errorf("failed to drain update backlog: %w", err)
	}

	p.mu.Lock()
	if len(updates) > 0 {
		p.offset = updates[len(updates)-1].UpdateID + 1
	}
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("Telegram connected", "bot", me.Username, "chat_id", p.chatID)
	return nil
}

// Disconnect stops polling and forgets outstanding messages.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	p.tracked = make(map[int64]trackedMessage)
	p.mu.Unlock()

	p.stopPolling()
	return nil
}

// Connected implements provider.Provider.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SendPlanForApproval delivers the plan, chunked under the message size cap,
// and starts polling for a reply to any chunk.
func (p *Provider) SendPlanForApproval(ctx context.Context, req provider.ApprovalRequest) error {
	return p.sendTracked(ctx, formatPlan(req), trackedMessage{kind: kindPlan, targetID: req.PlanID})
}

// SendQuestion delivers the question with its numbered options and starts
// polling for a reply.
func (p *Provider) SendQuestion(ctx context.Context, req provider.QuestionRequest) error {
	return p.sendTracked(ctx, formatQuestion(req), trackedMessage{
		kind:     kindQuestion,
		targetID: req.QuestionID,
		options:  req.Options,
	})
}

// SendStatus delivers a one-way progress update. No reply is expected, so
// nothing is tracked.
func (p *Provider) SendStatus(ctx context.Context, update provider.StatusUpdate) error {
	if !p.Connected() {
		return fmt.Errorf("telegram provider not connected")
	}
	for _, chunk := range chunkText(formatStatus(update), chunkLimit) {
		if _, err := p.client.SendMessage(ctx, p.chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) sendTracked(ctx context.Context, text string, tm trackedMessage) error {
	if !p.Connected() {
		return fmt.Errorf("telegram provider not connected")
	}

	for _, chunk := range chunkText(text, chunkLimit) {
		msgID, err := p.client.SendMessage(ctx, p.chatID, chunk)
		if err != nil {
			return fmt.Errorf("failed to send %s message: %w", tm.kind, err)
		}
		p.mu.Lock()
		p.tracked[msgID] = tm
		p.mu.Unlock()
	}

	p.ensurePolling()
	return nil
}

// ensurePolling starts the long-poll loop if it is not already running. The
// loop shuts itself down once no tracked messages remain.
func (p *Provider) ensurePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.pollDone = done
	go p.pollLoop(ctx, done)
}

func (p *Provider) stopPolling() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.pollDone
	p.cancel = nil
	p.pollDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Provider) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := p.backoffBase
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		offset := p.offset
		p.mu.Unlock()

		updates, err := p.client.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("getUpdates failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(time.Duration(float64(backoff)*backoffFactor), maxBackoff)
			continue
		}

		matched := false
		for _, u := range updates {
			// Advance before handling so a crash mid-update cannot replay it.
			p.mu.Lock()
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.mu.Unlock()

			if p.handleUpdate(u) {
				matched = true
			}
		}

		p.mu.Lock()
		if len(p.tracked) == 0 && p.cancel != nil {
			p.cancel = nil
			p.pollDone = nil
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		if matched {
			backoff = p.backoffBase
			continue
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(time.Duration(float64(backoff)*backoffFactor), maxBackoff)
	}
}

// handleUpdate dispatches one update to the sink. It reports whether the
// update resolved a tracked request.
func (p *Provider) handleUpdate(u Update) bool {
	msg := u.Message
	if msg == nil || msg.ReplyTo == nil {
		return false
	}
	if msg.Chat.ID != p.chatID {
		p.logger.Warn("Ignoring reply from unexpected chat", "chat_id", msg.Chat.ID)
		return false
	}
	if msg.From != nil && msg.From.IsBot {
		return false
	}
	// A reply without text (sticker, photo) carries no verdict; keep
	// waiting for a textual one.
	if msg.Text == "" {
		return false
	}

	p.mu.Lock()
	tm, ok := p.tracked[msg.ReplyTo.MessageID]
	p.mu.Unlock()
	if !ok {
		return false
	}

	respondedBy := ""
	if msg.From != nil {
		respondedBy = msg.From.Username
	}

	var accepted bool
	switch tm.kind {
	case kindPlan:
		accepted = p.sink.HandleApproval(parseApproval(tm.targetID, msg.Text, respondedBy))
	case kindQuestion:
		accepted = p.sink.HandleAnswer(parseAnswer(tm.targetID, msg.Text, respondedBy, tm.options))
	}
	if !accepted {
		p.logger.Debug("Reply not accepted, request already settled", "target_id", tm.targetID)
	}

	// Settled either way: drop every chunk tracking this request.
	p.mu.Lock()
	for id, other := range p.tracked {
		if other.targetID == tm.targetID {
			delete(p.tracked, id)
		}
	}
	p.mu.Unlock()
	return true
}
