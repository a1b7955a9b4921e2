package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/planbot-dev/planbot/pkg/driver"
	"github.com/planbot-dev/planbot/pkg/events"
	"github.com/planbot-dev/planbot/pkg/hooks"
	"github.com/planbot-dev/planbot/pkg/provider"
	"github.com/planbot-dev/planbot/pkg/state"
	"github.com/planbot-dev/planbot/pkg/ticket"
)

// outcome is the terminal disposition of one ticket's processing.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomePaused
)

// Start begins processing the queue from the top and blocks until the queue
// completes, fails, or is stopped. A second Start while running fails.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.runGuarded(ctx, false)
}

// Resume continues an interrupted run: the persisted phase decides where the
// current ticket re-enters, then dispatch proceeds normally.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.runGuarded(ctx, true)
}

func (o *Orchestrator) runGuarded(ctx context.Context, resume bool) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.stopRequested = false
	o.runCancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.runCancel = nil
		o.currentTicketID = ""
		o.currentPlanID = ""
		o.mu.Unlock()
	}()

	return o.run(runCtx, resume)
}

func (o *Orchestrator) run(ctx context.Context, resume bool) error {
	if err := o.store.Init(); err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	if _, err := o.store.Update(func(st *state.State) {
		st.PauseRequested = false
		if !resume {
			st.CurrentTicketID = ""
			st.CurrentPhase = state.PhaseIdle
			st.SessionID = ""
			st.CompletedTickets = nil
			st.StartedAt = time.Now().UTC()
		}
	}); err != nil {
		return err
	}

	o.emit(events.QueueStart, "", "queue processing started")
	o.hooks.Run(ctx, hooks.BeforeAll)

	var failedTicket string
	if resume {
		o.restoreCompleted()
		out, ticketID := o.resumeCurrent(ctx)
		switch out {
		case outcomePaused:
			return o.finishPaused(ctx)
		case outcomeFailed:
			failedTicket = ticketID
		}
	}

	for failedTicket == "" || o.cfg.Settings.ContinueOnError {
		if o.stopped() {
			return o.finishPaused(ctx)
		}

		t, ok := o.queue.NextEligible()
		if !ok {
			blocked, dep, found := o.queue.FailedDependency()
			if !found {
				break
			}
			if err := o.queue.SetStatus(blocked.ID, ticket.StatusSkipped); err != nil {
				return err
			}
			o.emit(events.TicketSkipped, blocked.ID, fmt.Sprintf("dependency %s did not complete", dep))
			continue
		}

		switch o.processTicket(ctx, &t) {
		case outcomeFailed:
			failedTicket = t.ID
		case outcomePaused:
			return o.finishPaused(ctx)
		}
	}

	o.hooks.Run(ctx, hooks.AfterAll)
	o.emit(events.QueueComplete, "", "queue processing finished")
	if _, err := o.store.Update(func(st *state.State) {
		st.CurrentTicketID = ""
		st.CurrentPhase = state.PhaseIdle
		st.SessionID = ""
	}); err != nil {
		return err
	}

	if failedTicket != "" && !o.cfg.Settings.ContinueOnError {
		return fmt.Errorf("ticket %s failed", failedTicket)
	}
	return nil
}

func (o *Orchestrator) finishPaused(ctx context.Context) error {
	o.emit(events.QueuePaused, "", "queue paused")
	_, err := o.store.Update(func(st *state.State) { st.PauseRequested = true })
	return err
}

// restoreCompleted replays durably completed tickets onto the queue so a
// resumed run never re-executes them.
func (o *Orchestrator) restoreCompleted() {
	st, err := o.store.Load()
	if err != nil {
		return
	}
	for _, id := range st.CompletedTickets {
		if err := o.queue.MarkComplete(id); err != nil {
			o.logger.Warn("Completed ticket no longer in queue", "ticket_id", id)
		}
	}
}

// resumeCurrent re-enters the interrupted ticket according to its persisted
// phase. Returns the outcome and the ticket id (for failure accounting); a
// clean slate returns outcomeCompleted with an empty id.
func (o *Orchestrator) resumeCurrent(ctx context.Context) (outcome, string) {
	st, err := o.store.Load()
	if err != nil || st.CurrentTicketID == "" {
		return outcomeCompleted, ""
	}
	t, err := o.queue.Get(st.CurrentTicketID)
	if err != nil {
		o.logger.Warn("Persisted ticket not in queue, discarding", "ticket_id", st.CurrentTicketID)
		return outcomeCompleted, ""
	}
	if t.Complete || t.Status.Terminal() {
		return outcomeCompleted, ""
	}

	o.logger.Info("Resuming interrupted ticket", "ticket_id", t.ID, "phase", st.CurrentPhase)
	o.setCurrentTicket(t.ID)
	defer o.setCurrentTicket("")

	switch st.CurrentPhase {
	case state.PhasePlanning:
		// Plan generation is restartable from scratch.
		_ = o.queue.SetStatus(t.ID, ticket.StatusPending)
		return outcomeCompleted, ""

	case state.PhaseAwaitingApproval:
		plan, err := o.store.LoadPlan(t.ID)
		if err != nil {
			// No saved plan: regenerate through the normal path.
			_ = o.queue.SetStatus(t.ID, ticket.StatusPending)
			return outcomeCompleted, ""
		}
		return o.runTicket(ctx, &t, plan), t.ID

	case state.PhaseExecuting:
		sessionID, err := o.store.LoadSession(t.ID)
		if err != nil || sessionID == "" {
			plan, _ := o.store.LoadPlan(t.ID)
			return o.executeTicket(ctx, &t, plan, ""), t.ID
		}
		return o.executeTicket(ctx, &t, "", sessionID), t.ID

	default:
		_ = o.queue.SetStatus(t.ID, ticket.StatusPending)
		return outcomeCompleted, ""
	}
}

// processTicket takes one ticket through its full lifecycle.
func (o *Orchestrator) processTicket(ctx context.Context, t *ticket.Ticket) outcome {
	o.setCurrentTicket(t.ID)
	defer o.setCurrentTicket("")

	o.emit(events.TicketStart, t.ID, t.Title)
	o.hooks.RunWith(ctx, hooks.BeforeEach, t.Hooks)

	if !o.planModeFor(t) {
		return o.executeTicket(ctx, t, "", "")
	}

	plan, out := o.generatePlan(ctx, t, "", "")
	if out != outcomeCompleted {
		return out
	}
	return o.runTicket(ctx, t, plan)
}

// runTicket drives the approval loop over an already generated plan, then
// executes. Also the re-entry point for resume in awaiting_approval.
func (o *Orchestrator) runTicket(ctx context.Context, t *ticket.Ticket, plan string) outcome {
	revisions := 0
	for {
		if o.cfg.Settings.AutoApprove {
			o.emit(events.TicketApproved, t.ID, "auto-approved")
			o.hooks.RunWith(ctx, hooks.OnApproval, t.Hooks)
			return o.executeTicket(ctx, t, plan, "")
		}

		resp, out := o.awaitApproval(ctx, t, plan)
		if out != outcomeCompleted {
			return out
		}
		if resp.Approved {
			o.emit(events.TicketApproved, t.ID, "plan approved by "+resp.RespondedBy)
			o.hooks.RunWith(ctx, hooks.OnApproval, t.Hooks)
			return o.executeTicket(ctx, t, plan, "")
		}

		reason := strings.TrimSpace(resp.RejectionReason)
		o.emit(events.TicketRejected, t.ID, reason)
		if reason == "" || revisions >= o.cfg.Settings.MaxPlanRevisions {
			return o.skipTicket(t, "plan rejected")
		}
		revisions++

		var newPlan string
		newPlan, out = o.generatePlan(ctx, t, plan, reason)
		if out != outcomeCompleted {
			return out
		}
		plan = newPlan
	}
}

// generatePlan runs one plan-generation driver call (with rate-limit
// fallback) and persists the result. Plan failure is fatal for the ticket.
func (o *Orchestrator) generatePlan(ctx context.Context, t *ticket.Ticket, prevPlan, feedback string) (string, outcome) {
	if out := o.enterPhase(t, ticket.StatusPlanning, state.PhasePlanning); out != outcomeCompleted {
		return "", out
	}

	prompt := buildPlanPrompt(t, prevPlan, feedback)
	res := o.callWithFallback(func(model string) *driver.Result {
		return o.drv.GeneratePlan(ctx, prompt, driver.CallOptions{
			Model:   model,
			Timeout: o.cfg.Settings.Timeouts.PlanGeneration.Std(),
			Dir:     o.workdir,
		}, o.outputSink(t.ID))
	})
	if !res.Success {
		if o.stopped() {
			return "", outcomePaused
		}
		return "", o.failTicket(ctx, t, fmt.Sprintf("plan generation failed: %s", res.Error))
	}

	if err := o.store.SavePlan(t.ID, res.Plan); err != nil {
		o.logger.Error("Failed to persist plan", "ticket_id", t.ID, "error", err)
	}
	o.emit(events.TicketPlanGenerated, t.ID, res.Plan)
	o.hooks.RunWith(ctx, hooks.OnPlanGenerated, t.Hooks)
	return res.Plan, outcomeCompleted
}

// awaitApproval presents the plan through the multiplexer and blocks for the
// verdict.
func (o *Orchestrator) awaitApproval(ctx context.Context, t *ticket.Ticket, plan string) (provider.ApprovalResponse, outcome) {
	if out := o.enterPhase(t, ticket.StatusAwaitingApproval, state.PhaseAwaitingApproval); out != outcomeCompleted {
		return provider.ApprovalResponse{}, out
	}

	planID := newID()
	o.setCurrentPlan(planID)
	defer o.setCurrentPlan("")

	resp, err := o.mux.RequestApproval(ctx, provider.ApprovalRequest{
		PlanID:   planID,
		TicketID: t.ID,
		Title:    t.Title,
		Plan:     plan,
	}, o.cfg.Settings.Timeouts.Approval.Std())
	if err != nil {
		if errors.Is(err, provider.ErrAborted) && o.stopped() {
			return provider.ApprovalResponse{}, outcomePaused
		}
		return provider.ApprovalResponse{}, o.failTicket(ctx, t, fmt.Sprintf("approval failed: %v", err))
	}
	return resp, outcomeCompleted
}

// executeTicket runs the execute phase with normal retries. A non-empty
// resumeSession makes the first attempt a session resume; retries fall back
// to a fresh execute.
func (o *Orchestrator) executeTicket(ctx context.Context, t *ticket.Ticket, plan, resumeSession string) outcome {
	if out := o.enterPhase(t, ticket.StatusExecuting, state.PhaseExecuting); out != outcomeCompleted {
		return out
	}
	o.emit(events.TicketExecuting, t.ID, "")

	prompt := buildExecutePrompt(t, plan)
	opts := driver.CallOptions{
		Timeout:         o.cfg.Settings.Timeouts.Execution.Std(),
		Dir:             o.workdir,
		SkipPermissions: o.cfg.Settings.SkipPermissions,
	}
	cb := o.callbacks(ctx, t)

	retries := 0
	for {
		var res *driver.Result
		if resumeSession != "" {
			res = o.callWithFallback(func(model string) *driver.Result {
				opts := opts
				opts.Model = model
				return o.drv.Resume(ctx, resumeSession, resumePrompt, opts, cb)
			})
			resumeSession = ""
		} else {
			res = o.callWithFallback(func(model string) *driver.Result {
				opts := opts
				opts.Model = model
				return o.drv.Execute(ctx, prompt, opts, cb)
			})
		}

		if res.SessionID != "" {
			if err := o.store.SaveSession(t.ID, res.SessionID); err != nil {
				o.logger.Error("Failed to persist session", "ticket_id", t.ID, "error", err)
			}
			if _, err := o.store.Update(func(st *state.State) { st.SessionID = res.SessionID }); err != nil {
				o.logger.Error("Failed to persist session in state", "error", err)
			}
		}

		if res.Success {
			return o.completeTicket(ctx, t)
		}
		if o.stopped() {
			return outcomePaused
		}

		retries++
		if retries > o.cfg.Settings.MaxRetries {
			return o.failTicket(ctx, t, fmt.Sprintf("execution failed after %d attempts: %s", retries, res.Error))
		}
		o.logger.Warn("Execution failed, retrying",
			"ticket_id", t.ID,
			"attempt", retries+1,
			"error", res.Error)
	}
}

func (o *Orchestrator) completeTicket(ctx context.Context, t *ticket.Ticket) outcome {
	if err := o.queue.MarkComplete(t.ID); err != nil {
		o.logger.Error("Failed to mark ticket complete", "ticket_id", t.ID, "error", err)
	}
	if _, err := o.store.Update(func(st *state.State) {
		for _, id := range st.CompletedTickets {
			if id == t.ID {
				return
			}
		}
		st.CompletedTickets = append(st.CompletedTickets, t.ID)
	}); err != nil {
		o.logger.Error("Failed to persist completion", "ticket_id", t.ID, "error", err)
	}
	o.emit(events.TicketCompleted, t.ID, "")
	o.hooks.RunWith(ctx, hooks.AfterEach, t.Hooks)
	o.hooks.RunWith(ctx, hooks.OnComplete, t.Hooks)
	o.clearPhase()
	return outcomeCompleted
}

func (o *Orchestrator) failTicket(ctx context.Context, t *ticket.Ticket, msg string) outcome {
	if err := o.queue.SetStatus(t.ID, ticket.StatusFailed); err != nil {
		o.logger.Error("Failed to mark ticket failed", "ticket_id", t.ID, "error", err)
	}
	o.emit(events.TicketFailed, t.ID, msg)
	o.emitter.Emit(events.Event{Name: events.Error, TicketID: t.ID, Message: msg})
	o.hooks.RunWith(ctx, hooks.OnError, t.Hooks)
	o.hooks.RunWith(ctx, hooks.AfterEach, t.Hooks)
	o.clearPhase()
	return outcomeFailed
}

func (o *Orchestrator) skipTicket(t *ticket.Ticket, msg string) outcome {
	if err := o.queue.SetStatus(t.ID, ticket.StatusSkipped); err != nil {
		o.logger.Error("Failed to mark ticket skipped", "ticket_id", t.ID, "error", err)
	}
	o.emit(events.TicketSkipped, t.ID, msg)
	o.clearPhase()
	return outcomeSkipped
}

// enterPhase persists the phase transition before the next driver call and
// mirrors it onto the ticket status.
func (o *Orchestrator) enterPhase(t *ticket.Ticket, ts ticket.Status, phase state.Phase) outcome {
	if o.stopped() {
		return outcomePaused
	}
	if err := o.queue.SetStatus(t.ID, ts); err != nil {
		o.logger.Error("Failed to set ticket status", "ticket_id", t.ID, "error", err)
	}
	if _, err := o.store.Update(func(st *state.State) {
		st.CurrentTicketID = t.ID
		st.CurrentPhase = phase
	}); err != nil {
		o.logger.Error("Failed to persist phase", "ticket_id", t.ID, "phase", phase, "error", err)
	}
	return outcomeCompleted
}

func (o *Orchestrator) clearPhase() {
	if _, err := o.store.Update(func(st *state.State) {
		st.CurrentTicketID = ""
		st.CurrentPhase = state.PhaseIdle
		st.SessionID = ""
	}); err != nil {
		o.logger.Error("Failed to clear phase", "error", err)
	}
}

// planModeFor resolves the per-ticket plan-mode override.
func (o *Orchestrator) planModeFor(t *ticket.Ticket) bool {
	if t.PlanMode != nil {
		return *t.PlanMode
	}
	return o.cfg.Settings.PlanMode
}

// callWithFallback applies the rate-limit fallback policy: when a failed
// call classifies as rate-limited and a distinct fallback model is
// configured, the same call is retried once with the fallback. This retry
// never consumes a normal retry slot.
func (o *Orchestrator) callWithFallback(call func(model string) *driver.Result) *driver.Result {
	model := o.cfg.Settings.Model
	res := call(model)
	if res.Success {
		return res
	}
	fallback := o.cfg.Settings.FallbackModel
	if fallback != "" && driver.IsRateLimit(res) && driver.ShouldFallback(model, fallback) {
		o.logger.Warn("Rate limited, retrying with fallback model",
			"model", model,
			"fallback", fallback)
		return call(fallback)
	}
	return res
}

// callbacks builds the per-call driver sinks for one ticket.
func (o *Orchestrator) callbacks(ctx context.Context, t *ticket.Ticket) driver.Callbacks {
	return driver.Callbacks{
		Event: func(ev driver.Event) {
			o.emitter.Emit(events.Event{
				Name:     events.TicketEvent,
				TicketID: t.ID,
				Message:  ev.Type,
				Data:     map[string]any{"tool": ev.ToolName},
			})
		},
		Output: o.outputSink(t.ID),
		Question: func(qctx context.Context, id, text string, options []driver.QuestionOption) (string, error) {
			return o.answerDriverQuestion(qctx, t, id, text, options)
		},
	}
}

// outputSink forwards raw driver output to observers and the execution log.
func (o *Orchestrator) outputSink(ticketID string) func(string) {
	return func(line string) {
		o.emitter.Emit(events.Event{Name: events.TicketOutput, TicketID: ticketID, Message: line})
		if err := o.store.AppendLog(ticketID, line); err != nil {
			o.logger.Debug("Failed to append log line", "ticket_id", ticketID, "error", err)
		}
	}
}

// answerDriverQuestion resolves an assistant question, either autonomously
// or by asking a human through the multiplexer. Hook hints are appended to
// autonomous answers as context.
func (o *Orchestrator) answerDriverQuestion(ctx context.Context, t *ticket.Ticket, id, text string, options []driver.QuestionOption) (string, error) {
	if id == "" {
		id = newID()
	}
	o.emitter.Emit(events.Event{Name: events.Question, TicketID: t.ID, Message: text})

	autonomous := !o.planModeFor(t) || o.cfg.Settings.AutoApprove
	if autonomous {
		answer := autoAnswer(options)
		if hints := hooks.Outputs(o.hooks.RunWith(ctx, hooks.OnQuestion, t.Hooks)); hints != "" {
			answer += "\n\nContext:\n" + hints
		}
		o.logger.Info("Auto-answered question", "ticket_id", t.ID, "question_id", id)
		return answer, nil
	}

	q := state.PendingQuestion{ID: id, TicketID: t.ID, Text: text, AskedAt: time.Now().UTC()}
	if err := o.store.AddPendingQuestion(q); err != nil {
		o.logger.Error("Failed to persist pending question", "question_id", id, "error", err)
	}
	defer func() {
		if err := o.store.RemovePendingQuestion(id); err != nil && !errors.Is(err, state.ErrQuestionNotFound) {
			o.logger.Error("Failed to remove pending question", "question_id", id, "error", err)
		}
	}()

	opts := make([]provider.Option, 0, len(options))
	for _, opt := range options {
		opts = append(opts, provider.Option{Label: opt.Label, Value: opt.Value})
	}
	resp, err := o.mux.AskQuestion(ctx, provider.QuestionRequest{
		QuestionID: id,
		TicketID:   t.ID,
		Text:       text,
		Options:    opts,
	}, o.cfg.Settings.Timeouts.Question.Std())
	if err != nil {
		o.emitter.Emit(events.Event{
			Name:     events.Error,
			TicketID: t.ID,
			Message:  fmt.Sprintf("question %s unanswered: %v", id, err),
		})
		return "", err
	}
	return resp.Answer, nil
}

// autoAnswer picks an answer without human input: the "(recommended)"
// option if one exists, else the first option, else a freeform deferral.
func autoAnswer(options []driver.QuestionOption) string {
	for _, opt := range options {
		if strings.Contains(strings.ToLower(opt.Label), "(recommended)") {
			return opt.Value
		}
	}
	if len(options) > 0 {
		return options[0].Value
	}
	return fallbackAnswer
}
