// Package audit records instance lifecycle events as JSON lines.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Actions recorded by the manager.
const (
	ActionCreate         = "create"
	ActionProvisioned    = "provisioned"
	ActionProvisionFail  = "provision_failed"
	ActionDelete         = "delete"
	ActionStart          = "start"
	ActionStop           = "stop"
	ActionRestart        = "restart"
	ActionRecover        = "recover"
	ActionRecoverSkip    = "recover_skipped"
	ActionExternalDelete = "deleted_externally"
)

// Event is a single lifecycle record.
type Event struct {
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	InstanceID  string `json:"instance_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Logger appends events to a file. The zero path disables it.
type Logger struct {
	path   string
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewLogger opens (or creates) the log at path.
// If path is empty, audit logging is disabled.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return &Logger{writer: nopWriteCloser{}}, nil
	}

	// Ensure directory exists
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{path: path, writer: file}, nil
}

// Path returns the log file path, empty when disabled.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log writes an event. A nil Logger discards it.
func (l *Logger) Log(ev Event) error {
	if l == nil || l.writer == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		err := l.writer.Close()
		l.writer = nil
		return err
	}
	return nil
}

// ReadLog reads events from path. When limit > 0 only the last limit events
// are returned. Malformed lines are skipped.
func ReadLog(path string, limit int) ([]Event, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Skip malformed lines
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
