package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePromptRunner struct {
	output string
	err    error
	calls  []string
}

func (f *fakePromptRunner) RunPrompt(_ context.Context, prompt string) (string, error) {
	f.calls = append(f.calls, prompt)
	return f.output, f.err
}

func TestShellHookDisabled(t *testing.T) {
	r := NewRunner(Set{BeforeAll: {{Type: ActionShell, Command: "echo hi"}}}, false, nil)

	results := r.Run(context.Background(), BeforeAll)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "shell hooks are disabled", results[0].Error)
}

func TestShellHookEnabled(t *testing.T) {
	r := NewRunner(Set{BeforeAll: {{Type: ActionShell, Command: "echo hello"}}}, true, nil)

	results := r.Run(context.Background(), BeforeAll)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hello", results[0].Output)
}

func TestShellHookFailureCaptured(t *testing.T) {
	r := NewRunner(Set{OnError: {{Type: ActionShell, Command: "exit 3"}}}, true, nil)

	results := r.Run(context.Background(), OnError)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
}

func TestPromptHook(t *testing.T) {
	prompts := &fakePromptRunner{output: "hint from model"}
	r := NewRunner(Set{OnQuestion: {{Type: ActionPrompt, Command: "what next?"}}}, false, prompts)

	results := r.Run(context.Background(), OnQuestion)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "hint from model", results[0].Output)
	assert.Equal(t, []string{"what next?"}, prompts.calls)
}

func TestPromptHookError(t *testing.T) {
	prompts := &fakePromptRunner{err: errors.New("model unavailable")}
	r := NewRunner(Set{OnQuestion: {{Type: ActionPrompt, Command: "q"}}}, false, prompts)

	results := r.Run(context.Background(), OnQuestion)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "model unavailable")
}

func TestPromptHookWithoutRunner(t *testing.T) {
	r := NewRunner(Set{OnQuestion: {{Type: ActionPrompt, Command: "q"}}}, false, nil)

	results := r.Run(context.Background(), OnQuestion)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestUnknownActionType(t *testing.T) {
	r := NewRunner(Set{AfterAll: {{Type: "webhook", Command: "x"}}}, true, nil)

	results := r.Run(context.Background(), AfterAll)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "unknown hook action type")
}

func TestActionsRunInOrder(t *testing.T) {
	prompts := &fakePromptRunner{output: "ok"}
	r := NewRunner(Set{AfterEach: {
		{Type: ActionPrompt, Command: "first"},
		{Type: ActionPrompt, Command: "second"},
	}}, false, prompts)

	results := r.Run(context.Background(), AfterEach)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"first", "second"}, prompts.calls)
}

func TestRunWithOverlayReplacesLifecycle(t *testing.T) {
	prompts := &fakePromptRunner{output: "ok"}
	base := NewRunner(Set{BeforeEach: {{Type: ActionPrompt, Command: "base"}}}, false, prompts)

	base.RunWith(context.Background(), BeforeEach, Set{BeforeEach: {{Type: ActionPrompt, Command: "ticket"}}})
	assert.Equal(t, []string{"ticket"}, prompts.calls)
}

func TestNilRunnerIsSafe(t *testing.T) {
	var r *Runner
	assert.Nil(t, r.Run(context.Background(), BeforeAll))
	assert.False(t, r.Has(BeforeAll))
}

func TestOutputs(t *testing.T) {
	results := []Result{
		{Success: true, Output: "one"},
		{Success: false, Output: "ignored"},
		{Success: true, Output: "two"},
		{Success: true},
	}
	assert.Equal(t, "one\ntwo", Outputs(results))
}
