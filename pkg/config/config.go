// Package config loads and validates the queue file (tickets, hooks,
// settings) and process-wide settings for the orchestrator.
//
// Loading follows an Initialize → load → validate pipeline: read the file,
// expand environment variables, parse (YAML or JSON by extension), merge
// defaults, then validate every security invariant before anything runs.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML/JSON unmarshalling from either a
// duration string ("90s", "5m") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.decode(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.decode(raw)
}

func (d *Duration) decode(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Timeouts bounds each phase of ticket processing.
type Timeouts struct {
	// PlanGeneration bounds a single plan-generation driver call.
	PlanGeneration Duration `yaml:"planGeneration,omitempty" json:"planGeneration,omitempty"`

	// Execution bounds a single execute/resume driver call.
	Execution Duration `yaml:"execution,omitempty" json:"execution,omitempty"`

	// Approval bounds how long the multiplexer waits for a human approval.
	Approval Duration `yaml:"approval,omitempty" json:"approval,omitempty"`

	// Question bounds how long the multiplexer waits for a human answer.
	Question Duration `yaml:"question,omitempty" json:"question,omitempty"`
}

// DefaultTimeouts returns the built-in phase timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PlanGeneration: Duration(10 * time.Minute),
		Execution:      Duration(30 * time.Minute),
		Approval:       Duration(24 * time.Hour),
		Question:       Duration(24 * time.Hour),
	}
}

// Settings holds process-wide orchestrator configuration.
//
// SkipPermissions may never be set from queue-file data; it is a process
// flag only. The combination of SkipPermissions and AutoApprove requires
// AckAutonomousRisk to be set explicitly.
type Settings struct {
	Model              string
	FallbackModel      string
	MaxBudgetPerTicket float64
	MaxRetries         int
	MaxPlanRevisions   int
	ContinueOnError    bool
	AutoApprove        bool
	PlanMode           bool
	SkipPermissions    bool
	AllowShellHooks    bool
	AckAutonomousRisk  bool
	Timeouts           Timeouts
}

// DefaultSettings returns the built-in settings defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:       2,
		MaxPlanRevisions: 3,
		PlanMode:         true,
		Timeouts:         DefaultTimeouts(),
	}
}

// fileSettings is the queue-file representation of Settings. Optional
// booleans are pointers so an explicit `false` is distinguishable from an
// unset field when resolving against defaults.
type fileSettings struct {
	Model              string   `yaml:"model,omitempty" json:"model,omitempty"`
	FallbackModel      string   `yaml:"fallbackModel,omitempty" json:"fallbackModel,omitempty"`
	MaxBudgetPerTicket float64  `yaml:"maxBudgetPerTicket,omitempty" json:"maxBudgetPerTicket,omitempty"`
	MaxRetries         *int     `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	MaxPlanRevisions   *int     `yaml:"maxPlanRevisions,omitempty" json:"maxPlanRevisions,omitempty"`
	ContinueOnError    *bool    `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	AutoApprove        *bool    `yaml:"autoApprove,omitempty" json:"autoApprove,omitempty"`
	PlanMode           *bool    `yaml:"planMode,omitempty" json:"planMode,omitempty"`
	SkipPermissions    *bool    `yaml:"skipPermissions,omitempty" json:"skipPermissions,omitempty"`
	AllowShellHooks    *bool    `yaml:"allowShellHooks,omitempty" json:"allowShellHooks,omitempty"`
	Timeouts           Timeouts `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
}

// resolve overlays file values on the defaults.
func (fs *fileSettings) resolve(base Settings) Settings {
	s := base
	if fs == nil {
		return s
	}
	if fs.Model != "" {
		s.Model = fs.Model
	}
	if fs.FallbackModel != "" {
		s.FallbackModel = fs.FallbackModel
	}
	if fs.MaxBudgetPerTicket > 0 {
		s.MaxBudgetPerTicket = fs.MaxBudgetPerTicket
	}
	if fs.MaxRetries != nil {
		s.MaxRetries = *fs.MaxRetries
	}
	if fs.MaxPlanRevisions != nil {
		s.MaxPlanRevisions = *fs.MaxPlanRevisions
	}
	if fs.ContinueOnError != nil {
		s.ContinueOnError = *fs.ContinueOnError
	}
	if fs.AutoApprove != nil {
		s.AutoApprove = *fs.AutoApprove
	}
	if fs.PlanMode != nil {
		s.PlanMode = *fs.PlanMode
	}
	if fs.AllowShellHooks != nil {
		s.AllowShellHooks = *fs.AllowShellHooks
	}
	return s
}
