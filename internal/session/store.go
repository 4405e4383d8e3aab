package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
)

// CorruptionType names the kind of damage found in a persisted session.
type CorruptionType string

const (
	// CorruptionMissingFields means required fields were absent.
	CorruptionMissingFields CorruptionType = "missing_fields"
	// CorruptionWrongTypes means a field held the wrong JSON type.
	CorruptionWrongTypes CorruptionType = "wrong_types"
	// CorruptionCompleteLoss means the file was unreadable as JSON.
	CorruptionCompleteLoss CorruptionType = "complete_loss"
)

// IntegrityReport is the result of checking a persisted session.
type IntegrityReport struct {
	IsValid        bool
	Issues         []string
	CorruptionType CorruptionType
}

// unsafeFileChars matches anything that may not appear in a session file
// name. Session ids arrive from the wire and are not trusted as paths.
var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Store persists one JSON document per session under a state directory.
// Writes go to a temporary sibling and are renamed into place, so a
// crash never leaves a halfway-written session behind.
//
// The store does not lock internally: the engine holds the per-session
// mutex from Lock for the whole of a ProcessThought pass.
type Store struct {
	dir         string
	maxSessions int
	logger      logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the state directory if needed and returns a store
// over it. maxSessions bounds how many session files may exist; zero
// means unbounded.
func NewStore(dir string, maxSessions int, logger logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		dir:         dir,
		maxSessions: maxSessions,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Lock acquires the per-session mutex and returns its release func.
func (s *Store) Lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, unsafeFileChars.ReplaceAllString(id, "_")+".json")
}

// LoadOrCreate returns the session for id, creating and persisting a
// fresh one when none exists. Damaged files are recovered rather than
// surfaced: missing fields are filled with defaults, mistyped fields are
// reset one by one, and unreadable files start the session over.
func (s *Store) LoadOrCreate(id, loopID string) (*State, error) {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read session %s: %w", id, err)
		}
		st := newState(id, loopID)
		if err := s.enforceLimit(); err != nil {
			s.logger.Warnf("session limit enforcement failed: %v", err)
		}
		if err := s.save(st); err != nil {
			return nil, err
		}
		return st, nil
	}

	st, report := s.recover(id, raw)
	if report.CorruptionType != "" {
		s.logger.Warnf("session %s recovered from %s: %s", id, report.CorruptionType, strings.Join(report.Issues, "; "))
	}

	changed := report.CorruptionType != ""
	if loopID != "" && st.LoopID != loopID {
		st.LoopID = loopID
		changed = true
	}
	if st.CurrentLoop != len(st.Iterations) {
		st.CurrentLoop = len(st.Iterations)
		changed = true
	}
	if changed {
		if err := s.save(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// recover turns raw file bytes into a usable State, classifying any
// damage it had to repair.
func (s *Store) recover(id string, raw []byte) (*State, IntegrityReport) {
	var st State
	err := json.Unmarshal(raw, &st)
	switch err.(type) {
	case nil:
		if issues := missingFieldIssues(&st); len(issues) > 0 {
			fillDefaults(&st, id)
			return &st, IntegrityReport{Issues: issues, CorruptionType: CorruptionMissingFields}
		}
		return &st, IntegrityReport{IsValid: true}

	case *json.UnmarshalTypeError:
		coerced, issues := coerceState(raw, id)
		if coerced != nil {
			return coerced, IntegrityReport{Issues: issues, CorruptionType: CorruptionWrongTypes}
		}
	}

	// Not valid JSON at all, or not an object.
	return newState(id, ""), IntegrityReport{
		Issues:         []string{"session file was unreadable, starting over"},
		CorruptionType: CorruptionCompleteLoss,
	}
}

// missingFieldIssues lists required fields a decoded session lacks.
func missingFieldIssues(st *State) []string {
	var issues []string
	if st.ID == "" {
		issues = append(issues, "id is empty")
	}
	if st.Iterations == nil {
		issues = append(issues, "iterations is missing")
	}
	if st.CreatedAtMs == 0 {
		issues = append(issues, "createdAtMs is missing")
	}
	if st.UpdatedAtMs == 0 {
		issues = append(issues, "updatedAtMs is missing")
	}
	if st.Config.Task == "" && st.Config.Threshold == 0 {
		issues = append(issues, "config is missing")
	}
	return issues
}

// fillDefaults repairs the fields missingFieldIssues complains about,
// preserving everything that decoded cleanly.
func fillDefaults(st *State, id string) {
	now := time.Now().UnixMilli()
	if st.ID == "" {
		st.ID = id
	}
	if st.Iterations == nil {
		st.Iterations = []Iteration{}
	}
	if st.CreatedAtMs == 0 {
		st.CreatedAtMs = now
	}
	if st.UpdatedAtMs == 0 {
		st.UpdatedAtMs = now
	}
	if st.Config.Task == "" && st.Config.Threshold == 0 {
		st.Config = DefaultConfig()
	}
	st.CurrentLoop = len(st.Iterations)
}

// coerceState rebuilds a session from a document whose fields hold the
// wrong JSON types, resetting each offending field to its default.
func coerceState(raw []byte, id string) (*State, []string) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil
	}

	st := newState(id, "")
	var issues []string
	decode := func(key string, dst interface{}) {
		val, ok := fields[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(val, dst); err != nil {
			issues = append(issues, fmt.Sprintf("%s reset: %v", key, err))
		}
	}

	decode("id", &st.ID)
	decode("loopId", &st.LoopID)
	decode("config", &st.Config)
	decode("iterations", &st.Iterations)
	decode("codexContextId", &st.CodexContextID)
	decode("codexContextActive", &st.CodexContextActive)
	decode("stagnationInfo", &st.StagnationInfo)
	decode("isComplete", &st.IsComplete)
	decode("completionReason", &st.CompletionReason)
	decode("createdAtMs", &st.CreatedAtMs)
	decode("updatedAtMs", &st.UpdatedAtMs)
	decode("lastError", &st.LastError)

	if st.ID == "" {
		st.ID = id
	}
	if st.Iterations == nil {
		st.Iterations = []Iteration{}
	}
	st.CurrentLoop = len(st.Iterations)
	return st, issues
}

// AppendIteration adds one audit cycle to a session: load, append, persist.
// The engine mutates a loaded State directly and calls Save once instead;
// this is the one-shot convenience form.
func (s *Store) AppendIteration(id string, iter Iteration) (*State, error) {
	st, err := s.LoadOrCreate(id, "")
	if err != nil {
		return nil, err
	}
	if err := st.Append(iter); err != nil {
		return nil, err
	}
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save persists a loaded state atomically, recomputing the derived fields.
func (s *Store) Save(st *State) error {
	st.CurrentLoop = len(st.Iterations)
	st.UpdatedAtMs = time.Now().UnixMilli()
	return s.save(st)
}

// Update loads a session, applies patch, and persists the result.
func (s *Store) Update(id string, patch func(*State)) (*State, error) {
	st, err := s.LoadOrCreate(id, "")
	if err != nil {
		return nil, err
	}
	patch(st)
	st.CurrentLoop = len(st.Iterations)
	st.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Delete removes a session file and its lock entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Sweep removes session files idle longer than maxAge and orphaned
// temporary files. It returns how many sessions were removed.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read state directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		isSession := strings.HasSuffix(name, ".json")
		isOrphan := strings.HasSuffix(name, ".tmp")
		if !isSession && !isOrphan {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warnf("sweep could not remove %s: %v", name, err)
			continue
		}
		if isSession {
			removed++
		}
	}
	return removed, nil
}

// HandleFailure makes a best-effort terminal write recording an audit
// failure and tearing down the session's reviewer context handle. It
// never reports an error; there is nothing useful a caller could do.
func (s *Store) HandleFailure(id string, cause error) {
	st, err := s.LoadOrCreate(id, "")
	if err != nil {
		s.logger.Warnf("failure record for session %s could not load state: %v", id, err)
		return
	}
	if cause != nil {
		st.LastError = cause.Error()
	}
	st.ClearContext()
	st.UpdatedAtMs = time.Now().UnixMilli()
	if err := s.save(st); err != nil {
		s.logger.Warnf("failure record for session %s could not persist: %v", id, err)
	}
}

// ValidateIntegrity inspects a persisted session without repairing it.
func (s *Store) ValidateIntegrity(id string) IntegrityReport {
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		return IntegrityReport{
			Issues:         []string{fmt.Sprintf("unreadable: %v", err)},
			CorruptionType: CorruptionCompleteLoss,
		}
	}

	var st State
	switch err := json.Unmarshal(raw, &st); err.(type) {
	case nil:
		if issues := missingFieldIssues(&st); len(issues) > 0 {
			return IntegrityReport{Issues: issues, CorruptionType: CorruptionMissingFields}
		}
		if st.CurrentLoop != len(st.Iterations) {
			return IntegrityReport{
				Issues:         []string{fmt.Sprintf("currentLoop %d does not match %d iterations", st.CurrentLoop, len(st.Iterations))},
				CorruptionType: CorruptionMissingFields,
			}
		}
		return IntegrityReport{IsValid: true}
	case *json.UnmarshalTypeError:
		return IntegrityReport{
			Issues:         []string{err.Error()},
			CorruptionType: CorruptionWrongTypes,
		}
	default:
		return IntegrityReport{
			Issues:         []string{err.Error()},
			CorruptionType: CorruptionCompleteLoss,
		}
	}
}

// Count returns how many sessions are currently persisted.
func (s *Store) Count() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// enforceLimit drops the stalest session files so a new session fits
// under maxSessions.
func (s *Store) enforceLimit() error {
	if s.maxSessions <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	type aged struct {
		name string
		mod  time.Time
	}
	var sessions []aged
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, aged{entry.Name(), info.ModTime()})
	}
	if len(sessions) < s.maxSessions {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].mod.Before(sessions[j].mod) })
	excess := len(sessions) - s.maxSessions + 1
	for _, victim := range sessions[:excess] {
		s.logger.Warnf("session limit %d reached, evicting stale session file %s", s.maxSessions, victim.name)
		if err := os.Remove(filepath.Join(s.dir, victim.name)); err != nil {
			return err
		}
	}
	return nil
}

// save writes a session atomically: marshal, write a temporary sibling,
// rename over the real file.
func (s *Store) save(st *State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", st.ID, err)
	}

	final := s.path(st.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", st.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session %s: %w", st.ID, err)
	}
	return nil
}
