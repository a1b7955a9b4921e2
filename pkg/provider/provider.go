// Package provider defines the chat/webhook channels through which humans
// approve plans and answer questions, and the multiplexer that fans requests
// out to every connected channel and settles on the first reply.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Option is one selectable answer offered with a question.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ApprovalRequest asks a human to approve or reject a generated plan.
type ApprovalRequest struct {
	PlanID   string `json:"planId"`
	TicketID string `json:"ticketId"`
	Title    string `json:"title"`
	Plan     string `json:"plan"`
}

// ApprovalResponse is a human's verdict on a plan.
type ApprovalResponse struct {
	PlanID          string `json:"planId"`
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	RespondedBy     string `json:"respondedBy,omitempty"`
}

// QuestionRequest relays an assistant question to a human.
type QuestionRequest struct {
	QuestionID string   `json:"questionId"`
	TicketID   string   `json:"ticketId"`
	Text       string   `json:"text"`
	Options    []Option `json:"options,omitempty"`
}

// AnswerResponse is a human's answer to a question. MatchedOption holds the
// option value when the reply selected one, empty for freeform answers.
type AnswerResponse struct {
	QuestionID    string `json:"questionId"`
	Answer        string `json:"answer"`
	MatchedOption string `json:"matchedOption,omitempty"`
	RespondedBy   string `json:"respondedBy,omitempty"`
}

// StatusUpdate is a one-way progress notification.
type StatusUpdate struct {
	Event    string    `json:"event"`
	TicketID string    `json:"ticketId,omitempty"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// ResponseSink receives replies collected by providers. The return value
// reports whether the reply matched an outstanding request; late or unknown
// replies return false and are dropped by the caller.
type ResponseSink interface {
	HandleApproval(resp ApprovalResponse) bool
	HandleAnswer(resp AnswerResponse) bool
}

// Provider is a single human-facing channel. Send methods deliver requests;
// replies flow back through the ResponseSink the provider was built with.
type Provider interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	SendPlanForApproval(ctx context.Context, req ApprovalRequest) error
	SendQuestion(ctx context.Context, req QuestionRequest) error
	SendStatus(ctx context.Context, update StatusUpdate) error
}

// TimeoutError indicates no reply arrived within the configured window.
type TimeoutError struct {
	Operation string
	ID        string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request %s timed out", e.Operation, e.ID)
}
