package state

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// opTimeout bounds individual store queries.
const opTimeout = 10 * time.Second

// PostgresStore implements Store on PostgreSQL for deployments that already
// run a database. Run state lives in a single JSONB row; plans, sessions,
// and logs get their own tables.
type PostgresStore struct {
	db *stdsql.DB
	mu sync.Mutex
}

// NewPostgresStore opens a connection pool for the given DSN and verifies
// connectivity. Call Init to apply migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Init applies embedded migrations and seeds an idle state if absent.
func (s *PostgresStore) Init() error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "planbot", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source driver; m.Close would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	if !s.Exists() {
		return s.Save(NewState())
	}
	return nil
}

// Exists reports whether a persisted run state row is present.
func (s *PostgresStore) Exists() bool {
	ctx, cancel := opContext()
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM run_state WHERE id = 1)`).Scan(&exists)
	return err == nil && exists
}

// Load reads the current run state.
func (s *PostgresStore) Load() (*State, error) {
	ctx, cancel := opContext()
	defer cancel()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM run_state WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state row: %w", err)
	}
	if st.PendingQuestions == nil {
		st.PendingQuestions = []PendingQuestion{}
	}
	return &st, nil
}

// Save upserts the full state and bumps LastUpdatedAt.
func (s *PostgresStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *PostgresStore) saveLocked(st *State) error {
	ctx, cancel := opContext()
	defer cancel()

	st.LastUpdatedAt = time.Now().UTC()
	if st.Version == 0 {
		st.Version = CurrentVersion
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_state (id, data, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		data)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Update re-reads the state row before merging so interleaved updates within
// the process do not clobber each other.
func (s *PostgresStore) Update(fn func(*State)) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(st)
	if err := s.saveLocked(st); err != nil {
		return nil, err
	}
	return st, nil
}

// SavePlan upserts the plan text for a ticket.
func (s *PostgresStore) SavePlan(ticketID, plan string) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_plans (ticket_id, plan, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (ticket_id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = now()`,
		ticketID, plan)
	return err
}

// LoadPlan returns the saved plan text.
func (s *PostgresStore) LoadPlan(ticketID string) (string, error) {
	ctx, cancel := opContext()
	defer cancel()

	var plan string
	err := s.db.QueryRowContext(ctx, `SELECT plan FROM ticket_plans WHERE ticket_id = $1`, ticketID).Scan(&plan)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrNoPlan
	}
	return plan, err
}

// SaveSession upserts the session token for a ticket.
func (s *PostgresStore) SaveSession(ticketID, sessionID string) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_sessions (ticket_id, session_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (ticket_id) DO UPDATE SET session_id = EXCLUDED.session_id, updated_at = now()`,
		ticketID, sessionID)
	return err
}

// LoadSession returns the saved session token.
func (s *PostgresStore) LoadSession(ticketID string) (string, error) {
	ctx, cancel := opContext()
	defer cancel()

	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM ticket_sessions WHERE ticket_id = $1`, ticketID).Scan(&sessionID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return "", ErrNoSession
	}
	return sessionID, err
}

// AppendLog inserts a log line; the timestamp is applied at read time.
func (s *PostgresStore) AppendLog(ticketID, line string) error {
	ctx, cancel := opContext()
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticket_logs (ticket_id, line) VALUES ($1, $2)`, ticketID, line)
	return err
}

// ReadLog returns the ticket's log lines in insertion order, each prefixed
// with its timestamp.
func (s *PostgresStore) ReadLog(ticketID string) ([]string, error) {
	ctx, cancel := opContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT line, logged_at FROM ticket_logs WHERE ticket_id = $1 ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var lines []string
	for rows.Next() {
		var line string
		var at time.Time
		if err := rows.Scan(&line, &at); err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", at.UTC().Format(time.RFC3339), line))
	}
	return lines, rows.Err()
}

// AddPendingQuestion records a question awaiting an answer.
func (s *PostgresStore) AddPendingQuestion(q PendingQuestion) error {
	_, err := s.Update(func(st *State) {
		st.PendingQuestions = append(st.PendingQuestions, q)
	})
	return err
}

// RemovePendingQuestion deletes a pending question by id.
func (s *PostgresStore) RemovePendingQuestion(id string) error {
	found := false
	_, err := s.Update(func(st *State) {
		kept := st.PendingQuestions[:0]
		for _, q := range st.PendingQuestions {
			if q.ID == id {
				found = true
				continue
			}
			kept = append(kept, q)
		}
		st.PendingQuestions = kept
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	return nil
}

// PendingQuestions returns all questions awaiting answers.
func (s *PostgresStore) PendingQuestions() ([]PendingQuestion, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	return st.PendingQuestions, nil
}

// Clear removes all persisted state and artifacts.
func (s *PostgresStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := opContext()
	defer cancel()

	for _, table := range []string{"run_state", "ticket_plans", "ticket_sessions", "ticket_logs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}
