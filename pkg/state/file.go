package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultDirName is the conventional state directory name.
const DefaultDirName = ".planbot"

// FileStore persists state under a root directory:
//
//	<root>/state.json       run state
//	<root>/plans/<id>.md    saved plans
//	<root>/sessions/<id>.txt session tokens
//	<root>/logs/<id>.log    append-only execution logs
//	<root>/questions/       provider scratch space
//
// All state.json writes are atomic (write temp + rename). A process-wide
// mutex serializes Update's read-modify-write cycle; cross-process callers
// (CLI status reads) only ever read.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore creates a store rooted at dir (typically "<repo>/.planbot").
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string { return s.root }

// Init creates the directory layout and an initial idle state if absent.
func (s *FileStore) Init() error {
	for _, dir := range []string{s.root, s.plansDir(), s.sessionsDir(), s.logsDir(), s.questionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state dir %s: %w", dir, err)
		}
	}
	if !s.Exists() {
		return s.Save(NewState())
	}
	return nil
}

// Exists reports whether state.json is present.
func (s *FileStore) Exists() bool {
	_, err := os.Stat(s.statePath())
	return err == nil
}

// Load reads state.json.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("corrupt state file: %w", err)
	}
	if st.PendingQuestions == nil {
		st.PendingQuestions = []PendingQuestion{}
	}
	return &st, nil
}

// Save writes the full state atomically and bumps LastUpdatedAt.
func (s *FileStore) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *FileStore) saveLocked(st *State) error {
	st.LastUpdatedAt = time.Now().UTC()
	if st.Version == 0 {
		st.Version = CurrentVersion
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.statePath(), data, 0o644)
}

// Update re-reads state.json just before merging so interleaved updates
// within the process do not clobber each other.
func (s *FileStore) Update(fn func(*State)) (*State, error) {
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

// SavePlan stores the plan text for a ticket, overwriting prior revisions.
func (s *FileStore) SavePlan(ticketID, plan string) error {
	if err := os.MkdirAll(s.plansDir(), 0o755); err != nil {
		return err
	}
	return atomicWrite(s.planPath(ticketID), []byte(plan), 0o644)
}

// LoadPlan returns the saved plan text.
func (s *FileStore) LoadPlan(ticketID string) (string, error) {
	data, err := os.ReadFile(s.planPath(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoPlan
		}
		return "", err
	}
	return string(data), nil
}

// SaveSession stores the opaque session token for a ticket.
func (s *FileStore) SaveSession(ticketID, sessionID string) error {
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return err
	}
	return atomicWrite(s.sessionPath(ticketID), []byte(sessionID), 0o644)
}

// LoadSession returns the saved session token.
func (s *FileStore) LoadSession(ticketID string) (string, error) {
	data, err := os.ReadFile(s.sessionPath(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSession
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// AppendLog appends a timestamped line to the ticket's execution log.
func (s *FileStore) AppendLog(ticketID, line string) error {
	if err := os.MkdirAll(s.logsDir(), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath(ticketID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	stamp := time.Now().UTC().Format(time.RFC3339)
	_, err = fmt.Fprintf(f, "[%s] %s\n", stamp, line)
	return err
}

// ReadLog returns the ticket's execution log lines.
func (s *FileStore) ReadLog(ticketID string) ([]string, error) {
	data, err := os.ReadFile(s.logPath(ticketID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// AddPendingQuestion records a question awaiting an answer.
func (s *FileStore) AddPendingQuestion(q PendingQuestion) error {
	_, err := s.Update(func(st *State) {
		st.PendingQuestions = append(st.PendingQuestions, q)
	})
	return err
}

// RemovePendingQuestion deletes a pending question by id.
func (s *FileStore) RemovePendingQuestion(id string) error {
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
func (s *FileStore) PendingQuestions() ([]PendingQuestion, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}
	return st.PendingQuestions, nil
}

// Clear removes the entire state directory.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.root)
}

func (s *FileStore) statePath() string    { return filepath.Join(s.root, "state.json") }
func (s *FileStore) plansDir() string     { return filepath.Join(s.root, "plans") }
func (s *FileStore) sessionsDir() string  { return filepath.Join(s.root, "sessions") }
func (s *FileStore) logsDir() string      { return filepath.Join(s.root, "logs") }
func (s *FileStore) questionsDir() string { return filepath.Join(s.root, "questions") }

func (s *FileStore) planPath(id string) string    { return filepath.Join(s.plansDir(), id+".md") }
func (s *FileStore) sessionPath(id string) string { return filepath.Join(s.sessionsDir(), id+".txt") }
func (s *FileStore) logPath(id string) string     { return filepath.Join(s.logsDir(), id+".log") }

// atomicWrite writes data to a temp file in the target directory and renames
// it into place, so readers never observe a partial write.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
