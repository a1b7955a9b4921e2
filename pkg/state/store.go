// Package state persists orchestrator run state so a queue run can be
// paused, killed, and resumed. The canonical backend is a file store under
// .planbot/ with atomic write-and-rename; a Postgres-backed store implements
// the same interface for deployments that already run a database.
package state

import (
	"errors"
	"time"
)

// CurrentVersion is the persisted state schema version.
const CurrentVersion = 1

// Phase is the orchestrator's durable phase for the active ticket.
type Phase string

// Phase constants.
const (
	PhaseIdle             Phase = "idle"
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
)

// PendingQuestion is a question from the assistant awaiting a human answer.
type PendingQuestion struct {
	ID       string    `json:"id"`
	TicketID string    `json:"ticketId"`
	Text     string    `json:"text"`
	AskedAt  time.Time `json:"askedAt"`
}

// State is the persisted run state, written atomically after every phase
// transition. CompletedTickets is the durable completion record: a resumed
// run replays it onto the queue so finished tickets never run twice.
type State struct {
	Version          int               `json:"version"`
	CurrentTicketID  string            `json:"currentTicketId,omitempty"`
	CurrentPhase     Phase             `json:"currentPhase"`
	SessionID        string            `json:"sessionId,omitempty"`
	PauseRequested   bool              `json:"pauseRequested"`
	CompletedTickets []string          `json:"completedTickets,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	LastUpdatedAt    time.Time         `json:"lastUpdatedAt"`
	PendingQuestions []PendingQuestion `json:"pendingQuestions"`
}

// NewState returns a fresh idle state.
func NewState() *State {
	now := time.Now().UTC()
	return &State{
		Version:          CurrentVersion,
		CurrentPhase:     PhaseIdle,
		StartedAt:        now,
		LastUpdatedAt:    now,
		PendingQuestions: []PendingQuestion{},
	}
}

// Sentinel errors for store operations.
var (
	// ErrNotInitialized indicates the store root has not been initialized.
	ErrNotInitialized = errors.New("state store not initialized")

	// ErrNoPlan indicates no saved plan exists for the ticket.
	ErrNoPlan = errors.New("no saved plan")

	// ErrNoSession indicates no saved session token exists for the ticket.
	ErrNoSession = errors.New("no saved session")

	// ErrQuestionNotFound indicates the pending question id is unknown.
	ErrQuestionNotFound = errors.New("pending question not found")
)

// Store persists run state and per-ticket artifacts. Implementations must
// serialize Update's read-modify-write cycle so interleaved updates within a
// single process cannot lose writes; every write bumps LastUpdatedAt.
type Store interface {
	// Init prepares the backing storage (directories, tables).
	Init() error

	// Exists reports whether persisted state is present.
	Exists() bool

	// Load reads the current state.
	Load() (*State, error)

	// Save writes the full state atomically.
	Save(st *State) error

	// Update re-reads the state, applies fn, and saves the result.
	Update(fn func(*State)) (*State, error)

	// SavePlan stores the plan text for a ticket (overwritten on revision).
	SavePlan(ticketID, plan string) error

	// LoadPlan returns the saved plan, or ErrNoPlan.
	LoadPlan(ticketID string) (string, error)

	// SaveSession stores the opaque driver session token for a ticket.
	SaveSession(ticketID, sessionID string) error

	// LoadSession returns the saved session token, or ErrNoSession.
	LoadSession(ticketID string) (string, error)

	// AppendLog appends a timestamped line to the ticket's execution log.
	AppendLog(ticketID, line string) error

	// ReadLog returns the ticket's execution log lines.
	ReadLog(ticketID string) ([]string, error)

	// AddPendingQuestion records a question awaiting a human answer.
	AddPendingQuestion(q PendingQuestion) error

	// RemovePendingQuestion deletes a pending question by id.
	RemovePendingQuestion(id string) error

	// PendingQuestions returns all questions awaiting answers.
	PendingQuestions() ([]PendingQuestion, error)

	// Clear removes all persisted state and artifacts.
	Clear() error
}
