// Package hooks executes lifecycle hooks declared in the queue file.
//
// Hooks are ordered action lists keyed by lifecycle name. Shell actions run
// only when shell hooks are explicitly enabled at the top level; prompt
// actions go through the assistant driver's one-shot prompt operation.
// Hook failures never abort the run; results are collected and may be fed
// back to the orchestrator as context.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Lifecycle hook names.
const (
	BeforeAll       = "beforeAll"
	AfterAll        = "afterAll"
	BeforeEach      = "beforeEach"
	AfterEach       = "afterEach"
	OnError         = "onError"
	OnQuestion      = "onQuestion"
	OnPlanGenerated = "onPlanGenerated"
	OnApproval      = "onApproval"
	OnComplete      = "onComplete"
)

// Action types.
const (
	ActionShell  = "shell"
	ActionPrompt = "prompt"
)

// Action is a single hook step.
type Action struct {
	Type    string `yaml:"type" json:"type"`
	Command string `yaml:"command" json:"command"`
}

// Set maps a lifecycle name to its ordered actions.
type Set map[string][]Action

// Merge overlays per-ticket hooks on top of the base set. Ticket lists
// replace base lists for the lifecycle names they define.
func (s Set) Merge(overlay Set) Set {
	if len(overlay) == 0 {
		return s
	}
	merged := make(Set, len(s)+len(overlay))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Result is the outcome of one action. Hook results do not throw; errors are
// carried in the struct.
type Result struct {
	Action  Action
	Success bool
	Output  string
	Error   string
}

// PromptRunner is the subset of the assistant driver used by prompt hooks.
// The orchestrator supplies an implementation that applies model selection
// and rate-limit fallback before the call reaches the driver.
type PromptRunner interface {
	RunPrompt(ctx context.Context, prompt string) (output string, err error)
}

// Runner executes hook actions.
type Runner struct {
	hooks        Set
	allowShell   bool
	prompts      PromptRunner
	shellTimeout time.Duration
	logger       *slog.Logger
}

// NewRunner creates a hook runner. prompts may be nil, in which case prompt
// actions fail with a descriptive error instead of running.
func NewRunner(hooks Set, allowShell bool, prompts PromptRunner) *Runner {
	return &Runner{
		hooks:        hooks,
		allowShell:   allowShell,
		prompts:      prompts,
		shellTimeout: 2 * time.Minute,
		logger:       slog.Default().With("component", "hook-runner"),
	}
}

// Has reports whether any actions are registered for the lifecycle name.
func (r *Runner) Has(name string) bool {
	return r != nil && len(r.hooks[name]) > 0
}

// Run executes every action registered under name, in order, and returns
// one Result per action. Nil-safe: a nil runner returns no results.
func (r *Runner) Run(ctx context.Context, name string) []Result {
	if r == nil {
		return nil
	}
	actions := r.hooks[name]
	if len(actions) == 0 {
		return nil
	}

	results := make([]Result, 0, len(actions))
	for _, action := range actions {
		res := r.runAction(ctx, name, action)
		if !res.Success {
			r.logger.Warn("Hook action failed",
				"hook", name,
				"type", action.Type,
				"error", res.Error)
		}
		results = append(results, res)
	}
	return results
}

// RunWith behaves like Run but overlays extra hooks (per-ticket) first.
func (r *Runner) RunWith(ctx context.Context, name string, overlay Set) []Result {
	if r == nil {
		return nil
	}
	if len(overlay[name]) == 0 {
		return r.Run(ctx, name)
	}
	merged := &Runner{
		hooks:        r.hooks.Merge(overlay),
		allowShell:   r.allowShell,
		prompts:      r.prompts,
		shellTimeout: r.shellTimeout,
		logger:       r.logger,
	}
	return merged.Run(ctx, name)
}

func (r *Runner) runAction(ctx context.Context, name string, action Action) Result {
	switch action.Type {
	case ActionShell:
		return r.runShell(ctx, action)
	case ActionPrompt:
		return r.runPrompt(ctx, action)
	default:
		return Result{
			Action: action,
			Error:  fmt.Sprintf("unknown hook action type %q in %s", action.Type, name),
		}
	}
}

// runShell executes the command through the shell. Gated: when shell hooks
// are disabled the action fails without executing anything.
func (r *Runner) runShell(ctx context.Context, action Action) Result {
	if !r.allowShell {
		return Result{Action: action, Error: "shell hooks are disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", action.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Result{
			Action: action,
			Output: string(out),
			Error:  err.Error(),
		}
	}
	return Result{Action: action, Success: true, Output: strings.TrimSpace(string(out))}
}

func (r *Runner) runPrompt(ctx context.Context, action Action) Result {
	if r.prompts == nil {
		return Result{Action: action, Error: "no prompt runner configured"}
	}
	out, err := r.prompts.RunPrompt(ctx, action.Command)
	if err != nil {
		return Result{Action: action, Error: err.Error()}
	}
	return Result{Action: action, Success: true, Output: out}
}

// Outputs concatenates the successful outputs of results, one per line.
// Used to collect hook hints for auto-answered questions.
func Outputs(results []Result) string {
	var b strings.Builder
	for _, res := range results {
		if res.Success && res.Output != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(res.Output)
		}
	}
	return b.String()
}
