// Package driver supervises the coding-assistant subprocess. It spawns the
// assistant CLI, streams its newline-delimited JSON events, routes
// interactive questions back to the caller, and enforces per-call timeouts.
//
// The assistant itself is a black box; the driver only understands the
// documented event stream (init, assistant, tool_use, result, error).
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Stream event types emitted by the assistant subprocess.
const (
	EventInit      = "init"
	EventAssistant = "assistant"
	EventToolUse   = "tool_use"
	EventResult    = "result"
	EventError     = "error"
)

// QuestionTool is the interactive tool name whose invocations are routed
// through the question handler instead of executing.
const QuestionTool = "ask_user"

// Event is a single parsed stream event.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    string          `json:"result,omitempty"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
	Error     string          `json:"error,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

// QuestionOption is one selectable answer offered by the assistant.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// questionInput is the tool_input payload of a QuestionTool invocation.
type questionInput struct {
	ID       string           `json:"id"`
	Question string           `json:"question"`
	Options  []QuestionOption `json:"options,omitempty"`
}

// QuestionHandler resolves an interactive question from the assistant. The
// returned answer is injected into the subprocess as a user message.
type QuestionHandler func(ctx context.Context, id, text string, options []QuestionOption) (string, error)

// Callbacks carries the per-call sinks. Any field may be nil.
type Callbacks struct {
	// Event receives every parsed stream event in stream order.
	Event func(Event)

	// Question resolves interactive tool_use events.
	Question QuestionHandler

	// Output receives raw stdout text as it arrives.
	Output func(string)
}

// CallOptions configures a single driver call.
type CallOptions struct {
	Model           string
	Timeout         time.Duration
	Dir             string
	SkipPermissions bool
	SessionID       string
}

// Result is the outcome of a driver call. Errors are captured, not thrown;
// Success false with an Error string covers every failure mode.
type Result struct {
	Success   bool
	Plan      string
	Output    string
	SessionID string
	CostUSD   float64
	Error     string
}

// Failure messages used by the driver for its own failure modes.
const (
	errTimedOut  = "timed out"
	errAborted   = "aborted"
	errEmptyPlan = "empty plan"
)

// ErrBusy indicates a call was attempted while another is in flight.
var ErrBusy = errors.New("driver call already in flight")

// ErrNoProcess indicates AnswerQuestion was called with no running child.
var ErrNoProcess = errors.New("no assistant process running")

// Driver is the assistant-process contract the orchestrator depends on.
type Driver interface {
	// GeneratePlan runs the assistant in plan mode and returns the plan text
	// concatenated from assistant events.
	GeneratePlan(ctx context.Context, prompt string, opts CallOptions, output func(string)) *Result

	// Execute runs the assistant against the working tree.
	Execute(ctx context.Context, prompt string, opts CallOptions, cb Callbacks) *Result

	// Resume continues a prior conversation using its session token.
	Resume(ctx context.Context, sessionID, prompt string, opts CallOptions, cb Callbacks) *Result

	// RunPrompt is the one-shot variant used by prompt hooks.
	RunPrompt(ctx context.Context, prompt string, opts CallOptions) *Result

	// Abort cancels the in-flight call; its result resolves to "aborted".
	Abort()

	// AnswerQuestion injects a user message into the running subprocess.
	AnswerQuestion(text string) error
}
