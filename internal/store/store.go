// Package store persists engine state as per-project JSON documents.
//
// Layout under the state root:
//
//	{root}/{project-id}/project.json
//	{root}/{project-id}/phases.json
//	{root}/{project-id}/sessions.json
//	{root}/{project-id}/schedule.json
//	{root}/{project-id}/cycles.json
//	{root}/{project-id}/invocations.jsonl
//
// Documents are written atomically (tmp file + rename). The invocation
// audit log is append-only JSONL with a single writer per append.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Errors for store operations.
var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrCorrupted        = errors.New("state file corrupted")
)

// idPattern validates project ids used as directory names.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Store reads and writes durable project state.
type Store struct {
	mu     sync.Mutex
	root   string
	logger *zap.Logger
}

// New creates a store rooted at the given directory, creating it if needed.
func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// ValidateProjectID checks that an id is safe for filesystem paths.
func ValidateProjectID(id string) error {
	if id == "" || len(id) > 255 || !idPattern.MatchString(id) {
		return ErrInvalidProjectID
	}
	if filepath.Clean(id) != id {
		return ErrInvalidProjectID
	}
	return nil
}

// SaveProject upserts the project record.
func (s *Store) SaveProject(rec ProjectRecord) error {
	if err := ValidateProjectID(rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(rec.ID, "project.json", rec)
}

// GetProject loads the project record by id.
func (s *Store) GetProject(id string) (ProjectRecord, error) {
	var rec ProjectRecord
	if err := ValidateProjectID(id); err != nil {
		return rec, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.readDoc(id, "project.json", &rec)
	return rec, err
}

// ListProjects returns all persisted project records, sorted by id.
func (s *Store) ListProjects() ([]ProjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read state root: %w", err)
	}

	var projects []ProjectRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var rec ProjectRecord
		if err := s.readDoc(e.Name(), "project.json", &rec); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		projects = append(projects, rec)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

// SavePhases upserts the full ordered phase list for a project.
// The engine calls this before acting on any transition, which is what
// makes a crash between phases recoverable.
func (s *Store) SavePhases(projectID string, phases []PhaseRecord) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(projectID, "phases.json", phases)
}

// LoadPhases returns the persisted phase list, or ErrNotFound if the
// project has never recorded one.
func (s *Store) LoadPhases(projectID string) ([]PhaseRecord, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var phases []PhaseRecord
	if err := s.readDoc(projectID, "phases.json", &phases); err != nil {
		return nil, err
	}
	return phases, nil
}

// SaveSessions upserts the session snapshot for a project.
func (s *Store) SaveSessions(projectID string, sessions []SessionRecord) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(projectID, "sessions.json", sessions)
}

// LoadSessions returns the persisted session snapshot.
func (s *Store) LoadSessions(projectID string) ([]SessionRecord, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []SessionRecord
	if err := s.readDoc(projectID, "sessions.json", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveSchedule records an active evolution schedule.
func (s *Store) SaveSchedule(rec ScheduleRecord) error {
	if err := ValidateProjectID(rec.ProjectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDoc(rec.ProjectID, "schedule.json", rec)
}

// LoadSchedule returns the active schedule, or ErrNotFound.
func (s *Store) LoadSchedule(projectID string) (ScheduleRecord, error) {
	var rec ScheduleRecord
	if err := ValidateProjectID(projectID); err != nil {
		return rec, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.readDoc(projectID, "schedule.json", &rec)
	return rec, err
}

// ClearSchedule removes the schedule record. Clearing a missing
// schedule is a no-op.
func (s *Store) ClearSchedule(projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, projectID, "schedule.json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove schedule: %w", err)
	}
	return nil
}

// AppendCycle appends an evolution cycle record, pruning history to limit.
func (s *Store) AppendCycle(projectID string, rec CycleRecord, limit int) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cycles []CycleRecord
	if err := s.readDoc(projectID, "cycles.json", &cycles); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	cycles = append(cycles, rec)
	if limit > 0 && len(cycles) > limit {
		cycles = cycles[len(cycles)-limit:]
	}
	return s.writeDoc(projectID, "cycles.json", cycles)
}

// LoadCycles returns cycle history, oldest first. Missing history is an
// empty slice, not an error.
func (s *Store) LoadCycles(projectID string) ([]CycleRecord, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cycles []CycleRecord
	if err := s.readDoc(projectID, "cycles.json", &cycles); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []CycleRecord{}, nil
		}
		return nil, err
	}
	return cycles, nil
}

// AppendInvocation appends one audit record to the invocation log.
func (s *Store) AppendInvocation(projectID string, rec InvocationRecord) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureProjectDir(projectID); err != nil {
		return err
	}
	path := filepath.Join(s.root, projectID, "invocations.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open invocation log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal invocation: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append invocation: %w", err)
	}
	return nil
}

// LoadInvocations reads the full audit log, oldest first.
func (s *Store) LoadInvocations(projectID string) ([]InvocationRecord, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, projectID, "invocations.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []InvocationRecord{}, nil
		}
		return nil, fmt.Errorf("failed to open invocation log: %w", err)
	}
	defer f.Close()

	var records []InvocationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec InvocationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read invocation log: %w", err)
	}
	return records, nil
}

func (s *Store) ensureProjectDir(projectID string) error {
	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}
	return nil
}

// writeDoc writes a JSON document atomically.
func (s *Store) writeDoc(projectID, name string, v any) error {
	if err := s.ensureProjectDir(projectID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	path := filepath.Join(s.root, projectID, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

func (s *Store) readDoc(projectID, name string, v any) error {
	path := filepath.Join(s.root, projectID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return nil
}
