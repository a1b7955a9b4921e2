package state

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// postgresStore connects to an external database from PLANBOT_TEST_DATABASE_URL
// when set, otherwise starts a shared testcontainer once per package. Tests are
// skipped when neither is available.
func postgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	connStr := os.Getenv("PLANBOT_TEST_DATABASE_URL")
	if connStr == "" {
		containerOnce.Do(func() {
			ctx := context.Background()
			pgContainer, err := postgres.Run(ctx,
				"postgres:17-alpine",
				postgres.WithDatabase("test"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				containerErr = err
				return
			}
			sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
		})
		if containerErr != nil {
			t.Skipf("postgres container unavailable: %v", containerErr)
		}
		connStr = sharedConnStr
	}

	s, err := NewPostgresStore(context.Background(), connStr)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() {
		_ = s.Clear()
		_ = s.Close()
	})
	return s
}

func TestPostgresInitAndLoad(t *testing.T) {
	s := postgresStore(t)
	require.True(t, s.Exists())

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.CurrentPhase)
	assert.Equal(t, CurrentVersion, st.Version)
}

func TestPostgresUpdateRoundTrip(t *testing.T) {
	s := postgresStore(t)

	_, err := s.Update(func(st *State) {
		st.CurrentPhase = PhaseExecuting
		st.CurrentTicketID = "T-9"
	})
	require.NoError(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseExecuting, st.CurrentPhase)
	assert.Equal(t, "T-9", st.CurrentTicketID)
}

func TestPostgresPlanAndSession(t *testing.T) {
	s := postgresStore(t)

	_, err := s.LoadPlan("T-1")
	assert.ErrorIs(t, err, ErrNoPlan)

	require.NoError(t, s.SavePlan("T-1", "## Plan"))
	require.NoError(t, s.SavePlan("T-1", "## Plan v2"))
	plan, err := s.LoadPlan("T-1")
	require.NoError(t, err)
	assert.Equal(t, "## Plan v2", plan)

	_, err = s.LoadSession("T-1")
	assert.ErrorIs(t, err, ErrNoSession)
	require.NoError(t, s.SaveSession("T-1", "sess-1"))
	sess, err := s.LoadSession("T-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess)
}

func TestPostgresLogsAndQuestions(t *testing.T) {
	s := postgresStore(t)

	require.NoError(t, s.AppendLog("T-1", "started"))
	require.NoError(t, s.AppendLog("T-1", "finished"))
	lines, err := s.ReadLog("T-1")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "started")
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2}T`, lines[0])

	q := PendingQuestion{ID: "q1", TicketID: "T-1", Text: "which db?", AskedAt: time.Now().UTC()}
	require.NoError(t, s.AddPendingQuestion(q))
	qs, err := s.PendingQuestions()
	require.NoError(t, err)
	require.Len(t, qs, 1)
	require.NoError(t, s.RemovePendingQuestion("q1"))
	assert.ErrorIs(t, s.RemovePendingQuestion("q1"), ErrQuestionNotFound)
}
