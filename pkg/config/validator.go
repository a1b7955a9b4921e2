package config

import (
	"fmt"

	"github.com/planbot-dev/planbot/pkg/hooks"
	"github.com/planbot-dev/planbot/pkg/ticket"
)

// Queue-file field bounds.
const (
	maxIDLength          = 100
	maxTitleLength       = 200
	maxDescriptionLength = 50000
)

// validate performs comprehensive validation on a loaded queue file.
// Dependency resolution and cycle detection happen in ticket.NewQueue;
// everything field-level is checked here.
func validate(cfg *Config) error {
	if len(cfg.Tickets) == 0 {
		return NewValidationError("queue", "", "tickets", ErrMissingRequiredField)
	}
	for i := range cfg.Tickets {
		t := &cfg.Tickets[i]
		if err := validateTicket(t); err != nil {
			return err
		}
		if err := validateHooks("ticket "+t.ID+" hooks", t.Hooks); err != nil {
			return err
		}
	}
	if err := validateHooks("hooks", cfg.Hooks); err != nil {
		return err
	}
	if cfg.Settings.MaxRetries < 0 {
		return NewValidationError("config", "", "maxRetries", ErrInvalidValue)
	}
	if cfg.Settings.MaxPlanRevisions < 0 {
		return NewValidationError("config", "", "maxPlanRevisions", ErrInvalidValue)
	}
	return nil
}

func validateTicket(t *ticket.Ticket) error {
	if t.ID == "" || len(t.ID) > maxIDLength {
		return NewValidationError("ticket", t.ID, "id",
			fmt.Errorf("%w: must be 1..%d characters", ErrInvalidValue, maxIDLength))
	}
	if t.Title == "" || len(t.Title) > maxTitleLength {
		return NewValidationError("ticket", t.ID, "title",
			fmt.Errorf("%w: must be 1..%d characters", ErrInvalidValue, maxTitleLength))
	}
	if t.Description == "" || len(t.Description) > maxDescriptionLength {
		return NewValidationError("ticket", t.ID, "description",
			fmt.Errorf("%w: must be 1..%d characters", ErrInvalidValue, maxDescriptionLength))
	}
	if t.Status != "" && !t.Status.IsValid() {
		return NewValidationError("ticket", t.ID, "status",
			fmt.Errorf("%w: %q", ErrInvalidValue, t.Status))
	}
	return nil
}

func validateHooks(component string, set hooks.Set) error {
	for name, actions := range set {
		for _, action := range actions {
			if action.Type != hooks.ActionShell && action.Type != hooks.ActionPrompt {
				return NewValidationError(component, name, "type",
					fmt.Errorf("%w: %q", ErrInvalidValue, action.Type))
			}
			if action.Command == "" {
				return NewValidationError(component, name, "command", ErrMissingRequiredField)
			}
		}
	}
	return nil
}

// ValidateSettings enforces the startup security invariants after process
// flags have been applied on top of the loaded settings.
func ValidateSettings(s Settings) error {
	if s.SkipPermissions && s.AutoApprove && !s.AckAutonomousRisk {
		return ErrUnacknowledgedAutonomy
	}
	return nil
}
