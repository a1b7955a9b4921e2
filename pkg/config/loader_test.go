package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planbot-dev/planbot/pkg/ticket"
)

func writeQueueFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `
tickets:
  - id: T-1
    title: Add logging
    description: Add structured logging to the ingest path.
`

func TestLoadMinimalYAML(t *testing.T) {
	cfg, err := Load(writeQueueFile(t, "queue.yaml", minimalYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Tickets, 1)
	assert.Equal(t, "T-1", cfg.Tickets[0].ID)

	// Defaults applied.
	assert.True(t, cfg.Settings.PlanMode)
	assert.Equal(t, 3, cfg.Settings.MaxPlanRevisions)
	assert.False(t, cfg.Settings.AllowShellHooks)
	assert.Equal(t, 10*time.Minute, cfg.Settings.Timeouts.PlanGeneration.Std())
}

func TestLoadJSONByExtension(t *testing.T) {
	cfg, err := Load(writeQueueFile(t, "queue.json", `{
		"config": {"model": "opus", "autoApprove": true},
		"tickets": [{"id": "J-1", "title": "t", "description": "d"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "opus", cfg.Settings.Model)
	assert.True(t, cfg.Settings.AutoApprove)
	require.Len(t, cfg.Tickets, 1)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeQueueFile(t, "queue.yaml", `
config:
  model: opus
  fallbackModel: sonnet
  maxRetries: 5
  maxPlanRevisions: 0
  continueOnError: true
  planMode: false
  timeouts:
    planGeneration: 90s
    approval: 2h
hooks:
  beforeAll:
    - type: shell
      command: git pull
tickets:
  - id: T-1
    title: First
    description: d
    priority: 7
    dependencies: []
  - id: T-2
    title: Second
    description: d
    dependencies: [T-1]
`))
	require.NoError(t, err)

	assert.Equal(t, "sonnet", cfg.Settings.FallbackModel)
	assert.Equal(t, 5, cfg.Settings.MaxRetries)
	assert.Equal(t, 0, cfg.Settings.MaxPlanRevisions)
	assert.False(t, cfg.Settings.PlanMode)
	assert.True(t, cfg.Settings.ContinueOnError)
	assert.Equal(t, 90*time.Second, cfg.Settings.Timeouts.PlanGeneration.Std())
	assert.Equal(t, 2*time.Hour, cfg.Settings.Timeouts.Approval.Std())
	// Unset timeouts keep defaults.
	assert.Equal(t, 30*time.Minute, cfg.Settings.Timeouts.Execution.Std())

	require.Len(t, cfg.Hooks["beforeAll"], 1)

	q, err := cfg.NewQueue()
	require.NoError(t, err)
	assert.Equal(t, 2, q.Len())
}

func TestLoadRejectsSkipPermissions(t *testing.T) {
	_, err := Load(writeQueueFile(t, "queue.yaml", `
config:
  skipPermissions: true
tickets:
  - id: T-1
    title: t
    description: d
`))
	assert.ErrorIs(t, err, ErrSkipPermissionsInFile)
}

func TestLoadAllowsExplicitSkipPermissionsFalse(t *testing.T) {
	_, err := Load(writeQueueFile(t, "queue.yaml", `
config:
  skipPermissions: false
tickets:
  - id: T-1
    title: t
    description: d
`))
	assert.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrQueueFileNotFound)
}

func TestLoadInvalidSyntax(t *testing.T) {
	_, err := Load(writeQueueFile(t, "queue.yaml", "tickets: ["))
	assert.ErrorIs(t, err, ErrInvalidSyntax)
}

func TestLoadValidationMatrix(t *testing.T) {
	longID := make([]byte, 101)
	for i := range longID {
		longID[i] = 'x'
	}

	tests := []struct {
		name    string
		content string
	}{
		{"no tickets", "tickets: []"},
		{"missing id", "tickets:\n  - title: t\n    description: d"},
		{"missing title", "tickets:\n  - id: a\n    description: d"},
		{"missing description", "tickets:\n  - id: a\n    title: t"},
		{"id too long", "tickets:\n  - id: " + string(longID) + "\n    title: t\n    description: d"},
		{"bad status", "tickets:\n  - id: a\n    title: t\n    description: d\n    status: exploded"},
		{"bad hook type", "hooks:\n  beforeAll:\n    - type: webhook\n      command: x\ntickets:\n  - id: a\n    title: t\n    description: d"},
		{"hook missing command", "hooks:\n  beforeAll:\n    - type: shell\ntickets:\n  - id: a\n    title: t\n    description: d"},
		{"negative retries", "config:\n  maxRetries: -1\ntickets:\n  - id: a\n    title: t\n    description: d"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeQueueFile(t, "queue.yaml", tc.content))
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestLoadCircularDependenciesRejected(t *testing.T) {
	cfg, err := Load(writeQueueFile(t, "queue.yaml", `
tickets:
  - id: A
    title: t
    description: d
    dependencies: [B]
  - id: B
    title: t
    description: d
    dependencies: [A]
`))
	require.NoError(t, err)

	_, err = cfg.NewQueue()
	var cycle *ticket.CycleError
	assert.ErrorAs(t, err, &cycle)
}

func TestExpandEnvInQueueFile(t *testing.T) {
	t.Setenv("PLANBOT_TEST_MODEL", "opus")
	cfg, err := Load(writeQueueFile(t, "queue.yaml", `
config:
  model: "{{.PLANBOT_TEST_MODEL}}"
tickets:
  - id: T-1
    title: t
    description: "costs $5 to run"
`))
	require.NoError(t, err)
	assert.Equal(t, "opus", cfg.Settings.Model)
	// Literal $ survives expansion.
	assert.Contains(t, cfg.Tickets[0].Description, "$5")
}

func TestValidateSettingsAutonomyAck(t *testing.T) {
	s := DefaultSettings()
	s.SkipPermissions = true
	s.AutoApprove = true
	assert.ErrorIs(t, ValidateSettings(s), ErrUnacknowledgedAutonomy)

	s.AckAutonomousRisk = true
	assert.NoError(t, ValidateSettings(s))

	// Either flag alone is fine without the acknowledgment.
	s = DefaultSettings()
	s.SkipPermissions = true
	assert.NoError(t, ValidateSettings(s))
}
