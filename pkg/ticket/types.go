// Package ticket provides the work-item model and the in-memory queue the
// orchestrator dispatches from. Tickets are loaded once from the queue file;
// dynamically queued tickets are appended after file tickets and survive
// orchestrator re-entry.
package ticket

import (
	"errors"
	"fmt"

	"github.com/planbot-dev/planbot/pkg/hooks"
)

// Status represents the current stage of a ticket in the pipeline.
type Status string

// Ticket status constants.
const (
	StatusPending          Status = "pending"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusSkipped          Status = "skipped"
)

// ValidStatuses lists every status accepted in queue-file data.
var ValidStatuses = []Status{
	StatusPending, StatusPlanning, StatusAwaitingApproval, StatusApproved,
	StatusExecuting, StatusCompleted, StatusFailed, StatusSkipped,
}

// IsValid reports whether s is a recognized status value.
func (s Status) IsValid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state for a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Ticket is a single unit of work. Identity is the immutable ID; Status is
// the only field the orchestrator mutates during a run. Complete is persisted
// durably to the queue store on success and excludes the ticket from all
// future processing.
type Ticket struct {
	ID                 string         `yaml:"id" json:"id"`
	Title              string         `yaml:"title" json:"title"`
	Description        string         `yaml:"description" json:"description"`
	Priority           int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Status             Status         `yaml:"status,omitempty" json:"status,omitempty"`
	AcceptanceCriteria []string       `yaml:"acceptanceCriteria,omitempty" json:"acceptanceCriteria,omitempty"`
	Dependencies       []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	PlanMode           *bool          `yaml:"planMode,omitempty" json:"planMode,omitempty"`
	Complete           bool           `yaml:"complete,omitempty" json:"complete,omitempty"`
	Hooks              hooks.Set      `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Metadata           map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Images             []string       `yaml:"images,omitempty" json:"images,omitempty"`
}

// Clone returns a deep-enough copy for handing to callers that must not
// mutate queue state (slices copied, metadata shared read-only).
func (t *Ticket) Clone() Ticket {
	c := *t
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Images = append([]string(nil), t.Images...)
	return c
}

// Sentinel errors for queue operations.
var (
	// ErrNotFound indicates the ticket id is not present in the queue.
	ErrNotFound = errors.New("ticket not found")

	// ErrDuplicateID indicates two tickets share the same id.
	ErrDuplicateID = errors.New("duplicate ticket id")

	// ErrUnknownDependency indicates a dependency references a missing ticket.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError reports a circular dependency chain detected at load time.
type CycleError struct {
	// Chain holds the ids participating in the cycle, in walk order.
	Chain []string
}

// Error returns the formatted cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %v", e.Chain)
}
