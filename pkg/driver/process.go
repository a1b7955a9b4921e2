package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultCommand is the assistant CLI binary.
	DefaultCommand = "claude"

	// defaultTimeout bounds calls whose options carry no timeout.
	defaultTimeout = 30 * time.Minute

	// termGrace is how long a terminated child gets before SIGKILL.
	termGrace = 5 * time.Second

	// maxLineSize bounds a single stream event. Assistant events can carry
	// whole file contents, so this is generous.
	maxLineSize = 10 * 1024 * 1024
)

// ProcessDriver runs the assistant CLI as a child process and speaks its
// newline-delimited JSON protocol over stdout/stdin. One call is in flight
// at a time.
type ProcessDriver struct {
	command  string
	baseArgs []string
	logger   *slog.Logger

	callMu sync.Mutex

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	aborted bool
}

// NewProcessDriver creates a driver for the given assistant command.
// Extra args are prepended to every invocation.
func NewProcessDriver(command string, baseArgs ...string) *ProcessDriver {
	if command == "" {
		command = DefaultCommand
	}
	return &ProcessDriver{
		command:  command,
		baseArgs: baseArgs,
		logger:   slog.Default().With("component", "driver"),
	}
}

// GeneratePlan runs the assistant in plan mode. The returned Plan is the
// concatenated assistant text; a successful run with no plan text fails
// with "empty plan".
func (d *ProcessDriver) GeneratePlan(ctx context.Context, prompt string, opts CallOptions, output func(string)) *Result {
	res := d.run(ctx, prompt, opts, Callbacks{Output: output}, true)
	if res.Success && strings.TrimSpace(res.Plan) == "" {
		res.Success = false
		res.Error = errEmptyPlan
	}
	return res
}

// Execute runs the assistant against the working tree.
func (d *ProcessDriver) Execute(ctx context.Context, prompt string, opts CallOptions, cb Callbacks) *Result {
	return d.run(ctx, prompt, opts, cb, false)
}

// Resume continues a prior conversation identified by its session token.
func (d *ProcessDriver) Resume(ctx context.Context, sessionID, prompt string, opts CallOptions, cb Callbacks) *Result {
	opts.SessionID = sessionID
	return d.run(ctx, prompt, opts, cb, false)
}

// RunPrompt is the one-shot variant used by prompt hooks.
func (d *ProcessDriver) RunPrompt(ctx context.Context, prompt string, opts CallOptions) *Result {
	return d.run(ctx, prompt, opts, Callbacks{}, false)
}

// Abort terminates the in-flight call, if any. The call's result resolves
// to "aborted".
func (d *ProcessDriver) Abort() {
	d.mu.Lock()
	d.aborted = true
	cmd := d.cmd
	d.mu.Unlock()

	if cmd != nil {
		d.terminate(cmd)
	}
}

// AnswerQuestion injects a user message into the running subprocess.
func (d *ProcessDriver) AnswerQuestion(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdin == nil {
		return ErrNoProcess
	}

	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := d.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write answer to assistant: %w", err)
	}
	return nil
}

// callState accumulates what the stream reader observed; it is owned by the
// reader goroutine until the done channel closes.
type callState struct {
	sessionID string
	texts     []string
	result    *Event
	errEvent  *Event
}

func (d *ProcessDriver) run(ctx context.Context, prompt string, opts CallOptions, cb Callbacks, planMode bool) *Result {
	if !d.callMu.TryLock() {
		return &Result{Error: ErrBusy.Error()}
	}
	defer d.callMu.Unlock()

	args := d.buildArgs(prompt, opts, planMode)
	cmd := exec.Command(d.command, args...)
	cmd.Dir = opts.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Result{Error: fmt.Sprintf("failed to open stdin: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{Error: fmt.Sprintf("failed to open stdout: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return &Result{Error: fmt.Sprintf("failed to start %s: %v", d.command, err)}
	}
	d.logger.Debug("Assistant process started", "pid", cmd.Process.Pid, "plan_mode", planMode)

	d.mu.Lock()
	d.cmd = cmd
	d.stdin = stdin
	d.aborted = false
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.cmd = nil
		d.stdin = nil
		d.mu.Unlock()
	}()

	st := &callState{}
	done := make(chan error, 1)
	go func() {
		d.readStream(ctx, stdout, cb, st)
		done <- cmd.Wait()
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		d.terminate(cmd)
		waitErr = <-done
	case <-ctx.Done():
		d.mu.Lock()
		d.aborted = true
		d.mu.Unlock()
		d.terminate(cmd)
		waitErr = <-done
	}

	d.mu.Lock()
	aborted := d.aborted
	d.mu.Unlock()

	return d.assemble(st, waitErr, stderr.String(), timedOut, aborted, planMode)
}

func (d *ProcessDriver) buildArgs(prompt string, opts CallOptions, planMode bool) []string {
	args := append([]string{}, d.baseArgs...)
	args = append(args,
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	)
	if planMode {
		args = append(args, "--permission-mode", "plan")
	}
	if opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	return append(args, prompt)
}

// readStream consumes stdout line by line until EOF. Malformed lines are
// logged and skipped; the stream stays alive.
func (d *ProcessDriver) readStream(ctx context.Context, r io.Reader, cb Callbacks, st *callState) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if cb.Output != nil {
			cb.Output(line)
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			d.logger.Debug("Skipping malformed stream line", "error", err)
			continue
		}

		switch ev.Type {
		case EventInit:
			st.sessionID = ev.SessionID
		case EventAssistant:
			if ev.Text != "" {
				st.texts = append(st.texts, ev.Text)
			}
		case EventToolUse:
			if ev.ToolName == QuestionTool {
				d.dispatchQuestion(ctx, cb, ev.ToolInput)
			}
		case EventResult:
			ev := ev
			st.result = &ev
			if ev.SessionID != "" {
				st.sessionID = ev.SessionID
			}
		case EventError:
			ev := ev
			st.errEvent = &ev
		}

		if cb.Event != nil {
			cb.Event(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		d.logger.Debug("Assistant stream ended with error", "error", err)
	}
}

// dispatchQuestion resolves an interactive question without blocking the
// stream reader; the answer is injected whenever the handler returns.
func (d *ProcessDriver) dispatchQuestion(ctx context.Context, cb Callbacks, input json.RawMessage) {
	if cb.Question == nil {
		return
	}
	var q questionInput
	if err := json.Unmarshal(input, &q); err != nil {
		d.logger.Warn("Malformed question payload", "error", err)
		return
	}

	go func() {
		answer, err := cb.Question(ctx, q.ID, q.Question, q.Options)
		if err != nil {
			d.logger.Warn("Question handler failed", "question_id", q.ID, "error", err)
			return
		}
		if err := d.AnswerQuestion(answer); err != nil {
			d.logger.Warn("Failed to deliver answer", "question_id", q.ID, "error", err)
		}
	}()
}

func (d *ProcessDriver) assemble(st *callState, waitErr error, stderr string, timedOut, aborted bool, planMode bool) *Result {
	res := &Result{
		SessionID: st.sessionID,
		Output:    strings.Join(st.texts, "\n"),
	}
	if planMode {
		res.Plan = strings.Join(st.texts, "\n")
	}

	switch {
	case aborted:
		res.Error = errAborted
	case timedOut:
		res.Error = errTimedOut
	case st.errEvent != nil:
		res.Error = st.errEvent.Error
		if res.Error == "" {
			res.Error = "assistant reported an error"
		}
	case st.result != nil:
		res.CostUSD = st.result.CostUSD
		if st.result.Result != "" {
			res.Output = st.result.Result
		}
		res.Error = st.result.Error
		if st.result.Success != nil {
			res.Success = *st.result.Success
		} else {
			res.Success = st.result.Error == ""
		}
		if !res.Success && res.Error == "" {
			res.Error = "assistant reported failure"
		}
	case waitErr != nil:
		res.Error = exitMessage(waitErr, stderr)
	default:
		// Stream ended cleanly but no result event arrived.
		res.Error = "assistant exited without a result"
	}

	if res.Error != "" {
		res.Success = false
	}
	return res
}

func exitMessage(waitErr error, stderr string) string {
	msg := waitErr.Error()
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		msg = fmt.Sprintf("assistant exited with code %d", exitErr.ExitCode())
	}
	if tail := strings.TrimSpace(stderr); tail != "" {
		const limit = 1000
		if len(tail) > limit {
			tail = tail[len(tail)-limit:]
		}
		msg = msg + ": " + tail
	}
	return msg
}

// terminate asks the child to exit and escalates to SIGKILL after a grace
// period.
func (d *ProcessDriver) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(termGrace)
		_ = cmd.Process.Kill()
	}()
}
