package trail

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileSink writes trail events to a JSONL file.
// It is safe for concurrent use from multiple goroutines.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// DefaultFilename is the default filename for the trail file.
const DefaultFilename = "events.jsonl"

// NewRunID returns a fresh run identifier tying together the events of one
// ProcessThought pass.
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String()[:8])
}

// NewFileSink creates a FileSink writing to dir/events.jsonl, creating the
// directory if needed. An existing file is appended to.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trail directory: %w", err)
	}
	path := filepath.Join(dir, DefaultFilename)

	// 0600: trail lines can embed reviewer findings about private code.
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trail file: %w", err)
	}

	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Write writes a batch of events, one JSON line each.
func (s *FileSink) Write(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		if _, err := s.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
		if err := s.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write newline: %w", err)
		}
	}

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush events: %w", err)
	}

	return nil
}

// WriteOne writes a single event.
func (s *FileSink) WriteOne(event Event) error {
	return s.Write([]Event{event})
}

// Flush flushes any buffered data to the underlying file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return nil
}

// Close flushes any remaining data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	if err := s.writer.Flush(); err != nil {
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to flush before close: %w", err)
	}

	if err := s.file.Close(); err != nil {
		s.file = nil
		return fmt.Errorf("failed to close trail file: %w", err)
	}

	s.file = nil
	return nil
}

// Path returns the path to the trail file.
func (s *FileSink) Path() string {
	return s.path
}

// ReadEvents reads all events from a JSONL trail file.
func ReadEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trail file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var events []Event
	scanner := bufio.NewScanner(file)

	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read trail file: %w", err)
	}

	return events, nil
}

// FilterByType filters events by event type.
func FilterByType(events []Event, types ...EventType) []Event {
	if len(types) == 0 {
		return events
	}

	typeSet := make(map[EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	var filtered []Event
	for _, event := range events {
		if typeSet[event.Type] {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// FilterBySession filters events by session id. An empty id returns all
// events.
func FilterBySession(events []Event, sessionID string) []Event {
	if sessionID == "" {
		return events
	}

	var filtered []Event
	for _, event := range events {
		if event.SessionID == sessionID {
			filtered = append(filtered, event)
		}
	}
	return filtered
}
