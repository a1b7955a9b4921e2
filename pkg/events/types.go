// Package events carries run progress to in-process listeners and WebSocket
// subscribers. Emission is fire-and-forget: a slow or panicking consumer
// never stalls the run.
package events

import "time"

// Event names emitted over a run's lifecycle.
const (
	QueueStart    = "queue:start"
	QueueComplete = "queue:complete"
	QueuePaused   = "queue:paused"

	TicketStart         = "ticket:start"
	TicketPlanGenerated = "ticket:plan-generated"
	TicketApproved      = "ticket:approved"
	TicketRejected      = "ticket:rejected"
	TicketExecuting     = "ticket:executing"
	TicketCompleted     = "ticket:completed"
	TicketFailed        = "ticket:failed"
	TicketSkipped       = "ticket:skipped"
	TicketOutput        = "ticket:output"
	TicketEvent         = "ticket:event"

	Question = "question"
	Error    = "error"
)

// Event is a single progress notification.
type Event struct {
	Name     string         `json:"name"`
	TicketID string         `json:"ticketId,omitempty"`
	Message  string         `json:"message,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Listener receives emitted events.
type Listener func(Event)
