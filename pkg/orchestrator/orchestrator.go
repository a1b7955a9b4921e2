// Package orchestrator sequences tickets through the plan, approve, execute
// lifecycle. It owns the queue, the persisted run state, and the retry and
// fallback policy; the driver, providers, and hooks are collaborators it
// coordinates. Ticket processing is strictly sequential.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/planbot-dev/planbot/pkg/config"
	"github.com/planbot-dev/planbot/pkg/driver"
	"github.com/planbot-dev/planbot/pkg/events"
	"github.com/planbot-dev/planbot/pkg/hooks"
	"github.com/planbot-dev/planbot/pkg/provider"
	"github.com/planbot-dev/planbot/pkg/state"
	"github.com/planbot-dev/planbot/pkg/ticket"
)

// Control-plane errors.
var (
	ErrAlreadyRunning    = errors.New("orchestrator already running")
	ErrNotRunning        = errors.New("orchestrator not running")
	ErrUnknownTicket     = errors.New("unknown ticket")
	ErrNoPendingApproval = errors.New("no pending approval for ticket")
	ErrNoPendingQuestion = errors.New("no pending question with that id")
	ErrNotSkippable      = errors.New("only pending tickets can be skipped")
)

// Options wires an Orchestrator. Config, Store, and Driver are required;
// Queue defaults to one built from the config's tickets, Mux and Emitter
// default to empty instances.
type Options struct {
	Config  *config.Config
	Queue   *ticket.Queue
	Store   state.Store
	Driver  driver.Driver
	Mux     *provider.Multiplexer
	Emitter *events.Emitter
	WorkDir string
}

// Orchestrator is the queue-driven phase machine.
type Orchestrator struct {
	cfg     *config.Config
	queue   *ticket.Queue
	store   state.Store
	drv     driver.Driver
	mux     *provider.Multiplexer
	emitter *events.Emitter
	hooks   *hooks.Runner
	workdir string
	logger  *slog.Logger

	mu              sync.Mutex
	running         bool
	stopRequested   bool
	runCancel       context.CancelFunc
	currentTicketID string
	currentPlanID   string
}

// New creates an orchestrator. Settings are validated here so that a bad
// autonomy combination fails before anything runs.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if err := config.ValidateSettings(opts.Config.Settings); err != nil {
		return nil, err
	}

	queue := opts.Queue
	if queue == nil {
		var err error
		queue, err = opts.Config.NewQueue()
		if err != nil {
			return nil, err
		}
	}
	mux := opts.Mux
	if mux == nil {
		mux = provider.NewMultiplexer()
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NewEmitter()
	}

	o := &Orchestrator{
		cfg:     opts.Config,
		queue:   queue,
		store:   opts.Store,
		drv:     opts.Driver,
		mux:     mux,
		emitter: emitter,
		workdir: opts.WorkDir,
		logger:  slog.Default().With("component", "orchestrator"),
	}
	o.hooks = hooks.NewRunner(opts.Config.Hooks, opts.Config.Settings.AllowShellHooks, &promptRunner{o: o})
	return o, nil
}

// Queue returns the ticket queue.
func (o *Orchestrator) Queue() *ticket.Queue { return o.queue }

// Mux returns the provider multiplexer, which is also the ResponseSink that
// providers must be constructed with.
func (o *Orchestrator) Mux() *provider.Multiplexer { return o.mux }

// Emitter returns the event emitter for subscribing observers.
func (o *Orchestrator) Emitter() *events.Emitter { return o.emitter }

// IsRunning reports whether a run is in progress.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Snapshot is a point-in-time view of the run for status displays.
type Snapshot struct {
	Running          bool                    `json:"running"`
	CurrentTicketID  string                  `json:"currentTicketId,omitempty"`
	Phase            state.Phase             `json:"phase"`
	Counts           map[ticket.Status]int   `json:"counts"`
	PendingQuestions []state.PendingQuestion `json:"pendingQuestions,omitempty"`
}

// Status returns the current run snapshot.
func (o *Orchestrator) Status() Snapshot {
	snap := Snapshot{
		Running: o.IsRunning(),
		Phase:   state.PhaseIdle,
		Counts:  o.queue.Counts(),
	}
	if st, err := o.store.Load(); err == nil {
		snap.CurrentTicketID = st.CurrentTicketID
		snap.Phase = st.CurrentPhase
		snap.PendingQuestions = st.PendingQuestions
	}
	return snap
}

// QueueTicket appends a ticket while the queue is live. Dynamic tickets run
// after the file tickets and survive re-entry; the queue file is never
// re-read.
func (o *Orchestrator) QueueTicket(t ticket.Ticket) error {
	if err := o.queue.Append(t); err != nil {
		return err
	}
	o.logger.Info("Ticket queued dynamically", "ticket_id", t.ID)
	return nil
}

// SkipTicket marks a pending ticket skipped so the dispatcher never runs it.
func (o *Orchestrator) SkipTicket(id string) error {
	t, err := o.queue.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTicket, id)
	}
	if t.Status != ticket.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotSkippable, id, t.Status)
	}
	if err := o.queue.SetStatus(id, ticket.StatusSkipped); err != nil {
		return err
	}
	o.emit(events.TicketSkipped, id, "skipped by operator")
	return nil
}

// ApproveTicket resolves the in-flight approval for the given ticket, as if
// a provider had answered yes.
func (o *Orchestrator) ApproveTicket(id string) error {
	planID, err := o.planIDFor(id)
	if err != nil {
		return err
	}
	if !o.mux.HandleApproval(provider.ApprovalResponse{PlanID: planID, Approved: true, RespondedBy: "cli"}) {
		return ErrNoPendingApproval
	}
	return nil
}

// RejectTicket resolves the in-flight approval with a rejection. An empty
// reason skips the ticket; a non-empty reason triggers a plan revision.
func (o *Orchestrator) RejectTicket(id, reason string) error {
	planID, err := o.planIDFor(id)
	if err != nil {
		return err
	}
	resp := provider.ApprovalResponse{
		PlanID:          planID,
		Approved:        false,
		RejectionReason: strings.TrimSpace(reason),
		RespondedBy:     "cli",
	}
	if !o.mux.HandleApproval(resp) {
		return ErrNoPendingApproval
	}
	return nil
}

// AnswerQuestion resolves a pending question by id.
func (o *Orchestrator) AnswerQuestion(id, answer string) error {
	if !o.mux.HandleAnswer(provider.AnswerResponse{QuestionID: id, Answer: answer, RespondedBy: "cli"}) {
		return fmt.Errorf("%w: %s", ErrNoPendingQuestion, id)
	}
	return nil
}

// Pause requests a graceful stop: the current ticket finishes, then the run
// exits with queue:paused. The flag is persisted so resume knows the run was
// interrupted deliberately.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	running := o.running
	o.stopRequested = true
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	_, err := o.store.Update(func(st *state.State) { st.PauseRequested = true })
	return err
}

// Stop aborts the run immediately: the driver subprocess is killed, pending
// multiplexer requests reject with "aborted", and the pause flag is
// persisted so the interrupted ticket can be resumed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.stopRequested = true
	cancel := o.runCancel
	planID := o.currentPlanID
	o.mu.Unlock()

	if _, err := o.store.Update(func(st *state.State) { st.PauseRequested = true }); err != nil {
		o.logger.Error("Failed to persist pause flag", "error", err)
	}

	o.drv.Abort()
	if planID != "" {
		o.mux.CancelApproval(planID)
	}
	if err := o.mux.Disconnect(ctx); err != nil {
		o.logger.Warn("Provider disconnect failed during stop", "error", err)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (o *Orchestrator) planIDFor(ticketID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentTicketID != ticketID {
		if _, err := o.queue.Get(ticketID); err != nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
		}
		return "", ErrNoPendingApproval
	}
	if o.currentPlanID == "" {
		return "", ErrNoPendingApproval
	}
	return o.currentPlanID, nil
}

func (o *Orchestrator) stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopRequested
}

func (o *Orchestrator) setCurrentPlan(planID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentPlanID = planID
}

func (o *Orchestrator) setCurrentTicket(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentTicketID = id
}

// emit publishes a lifecycle event to observers and, best effort, to the
// providers as a status update. High-volume output events bypass this and go
// straight to the emitter.
func (o *Orchestrator) emit(name, ticketID, message string) {
	o.emitter.Emit(events.Event{Name: name, TicketID: ticketID, Message: message})
	o.mux.BroadcastStatus(context.Background(), provider.StatusUpdate{
		Event:    name,
		TicketID: ticketID,
		Message:  message,
	})
}

// promptRunner adapts the driver's one-shot prompt call for hook execution,
// applying model selection and rate-limit fallback.
type promptRunner struct {
	o *Orchestrator
}

func (r *promptRunner) RunPrompt(ctx context.Context, prompt string) (string, error) {
	res := r.o.callWithFallback(func(model string) *driver.Result {
		return r.o.drv.RunPrompt(ctx, prompt, driver.CallOptions{
			Model: model,
			Dir:   r.o.workdir,
		})
	})
	if !res.Success {
		return "", errors.New(res.Error)
	}
	return res.Output, nil
}

// newID generates request ids for approvals and questions.
func newID() string { return uuid.NewString() }
