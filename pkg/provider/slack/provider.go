// Package slack posts progress notifications to a Slack channel. It is a
// one-way channel: plans and questions are announced for visibility, but
// approvals and answers always come back through the interactive providers.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/planbot-dev/planbot/pkg/provider"
)

const postTimeout = 10 * time.Second

// Config holds the parameters needed to construct a Provider.
type Config struct {
	Token   string
	Channel string
}

// Provider is the Slack notification channel.
// Nil-safe: all methods are no-ops when the provider is nil.
type Provider struct {
	api     *goslack.Client
	channel string
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
}

// New creates a Slack provider. Returns nil if Token or Channel is empty.
func New(cfg Config) *Provider {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newProvider(goslack.New(cfg.Token), cfg.Channel)
}

// NewWithAPIURL creates a provider that targets a custom API URL.
// Useful for testing with a mock server.
func NewWithAPIURL(cfg Config, apiURL string) *Provider {
	return newProvider(goslack.New(cfg.Token, goslack.OptionAPIURL(apiURL)), cfg.Channel)
}

func newProvider(api *goslack.Client, channel string) *Provider {
	return &Provider{
		api:     api,
		channel: channel,
		logger:  slog.Default().With("component", "slack-provider"),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "slack" }

// Connect verifies the token with auth.test.
func (p *Provider) Connect(ctx context.Context) error {
	if p == nil {
		return nil
	}
	resp, err := p.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth failed: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.logger.Info("Slack connected", "team", resp.Team, "channel", p.channel)
	return nil
}

// Disconnect implements provider.Provider.
func (p *Provider) Disconnect(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Connected implements provider.Provider.
func (p *Provider) Connected() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SendPlanForApproval announces the plan. The approval itself is resolved by
// another channel; Slack never calls the sink.
func (p *Provider) SendPlanForApproval(ctx context.Context, req provider.ApprovalRequest) error {
	if p == nil {
		return nil
	}
	return p.post(ctx, BuildPlanMessage(req))
}

// SendQuestion announces the question for visibility.
func (p *Provider) SendQuestion(ctx context.Context, req provider.QuestionRequest) error {
	if p == nil {
		return nil
	}
	return p.post(ctx, BuildQuestionMessage(req))
}

// SendStatus posts a progress update.
func (p *Provider) SendStatus(ctx context.Context, update provider.StatusUpdate) error {
	if p == nil {
		return nil
	}
	return p.post(ctx, BuildStatusMessage(update))
}

func (p *Provider) post(ctx context.Context, blocks []goslack.Block) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := p.api.PostMessageContext(ctx, p.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}
