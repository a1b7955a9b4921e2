package ticket

import (
	"fmt"
	"sync"
)

// Queue holds the ordered set of tickets for a run. File tickets keep their
// declaration order; dynamically queued tickets are appended after them.
// Priority is display metadata only and never reorders dispatch.
//
// Queue is safe for concurrent use: the orchestrator mutates it from its
// dispatch goroutine while control-plane calls (skip, queue) arrive from
// CLI or HTTP handlers.
type Queue struct {
	mu      sync.RWMutex
	tickets []*Ticket
	byID    map[string]*Ticket
}

// NewQueue builds a queue from file tickets. It rejects duplicate ids,
// unknown dependency references, and circular dependency graphs.
func NewQueue(tickets []Ticket) (*Queue, error) {
	q := &Queue{byID: make(map[string]*Ticket, len(tickets))}
	for i := range tickets {
		t := tickets[i]
		if t.Status == "" {
			t.Status = StatusPending
		}
		if _, dup := q.byID[t.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
		}
		tc := t
		q.tickets = append(q.tickets, &tc)
		q.byID[t.ID] = &tc
	}
	for _, t := range q.tickets {
		for _, dep := range t.Dependencies {
			if _, ok := q.byID[dep]; !ok {
				return nil, fmt.Errorf("%w: ticket %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	if err := q.checkCycles(); err != nil {
		return nil, err
	}
	return q, nil
}

// checkCycles runs a three-color DFS over the dependency graph.
func (q *Queue) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(q.tickets))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range q.byID[id].Dependencies {
			switch color[dep] {
			case gray:
				// Trim the stack to the start of the cycle.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				chain := append(append([]string(nil), stack[start:]...), dep)
				return &CycleError{Chain: chain}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, t := range q.tickets {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Append adds a dynamically queued ticket at the end of the queue.
func (q *Queue) Append(t Ticket) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.byID[t.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	for _, dep := range t.Dependencies {
		if _, ok := q.byID[dep]; !ok {
			return fmt.Errorf("%w: ticket %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	tc := t
	q.tickets = append(q.tickets, &tc)
	q.byID[t.ID] = &tc
	return nil
}

// Get returns a copy of the ticket with the given id.
func (q *Queue) Get(id string) (Ticket, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.byID[id]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

// SetStatus transitions a ticket to the given status.
func (q *Queue) SetStatus(id string, s Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Status = s
	return nil
}

// MarkComplete sets the durable complete flag alongside the completed status.
func (q *Queue) MarkComplete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.Status = StatusCompleted
	t.Complete = true
	return nil
}

// All returns copies of every ticket in queue order.
func (q *Queue) All() []Ticket {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Ticket, 0, len(q.tickets))
	for _, t := range q.tickets {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of tickets in the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tickets)
}

// NextEligible returns the first ticket, in queue order, that is pending,
// not durably complete, and whose dependencies are all completed. Tickets
// with a failed dependency are not eligible; FailedDependency reports those
// so the dispatcher can skip them.
func (q *Queue) NextEligible() (Ticket, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.tickets {
		if t.Complete || t.Status != StatusPending {
			continue
		}
		if q.depsSatisfied(t) && !q.depFailed(t) {
			return t.Clone(), true
		}
	}
	return Ticket{}, false
}

// FailedDependency returns the first pending ticket blocked by a failed or
// skipped dependency, with the offending dependency id. Such tickets are
// skipped, never executed.
func (q *Queue) FailedDependency() (Ticket, string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.tickets {
		if t.Complete || t.Status != StatusPending {
			continue
		}
		for _, dep := range t.Dependencies {
			d := q.byID[dep]
			if d.Status == StatusFailed || d.Status == StatusSkipped {
				return t.Clone(), dep, true
			}
		}
	}
	return Ticket{}, "", false
}

// Remaining reports whether any pending ticket could still run or be skipped.
func (q *Queue) Remaining() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, t := range q.tickets {
		if !t.Complete && t.Status == StatusPending {
			return true
		}
	}
	return false
}

func (q *Queue) depsSatisfied(t *Ticket) bool {
	for _, dep := range t.Dependencies {
		d := q.byID[dep]
		if !(d.Status == StatusCompleted || d.Complete) {
			return false
		}
	}
	return true
}

func (q *Queue) depFailed(t *Ticket) bool {
	for _, dep := range t.Dependencies {
		d := q.byID[dep]
		if d.Status == StatusFailed || d.Status == StatusSkipped {
			return true
		}
	}
	return false
}

// Counts returns the number of tickets per status (for status displays).
func (q *Queue) Counts() map[Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	counts := make(map[Status]int)
	for _, t := range q.tickets {
		counts[t.Status]++
	}
	return counts
}
