// Package audit is the boundary to the external append-only audit log.
// The engine only ever appends; it never reads the log back and owns
// none of its hash-chain semantics.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types appended by the consensus engine.
const (
	EventCreated        = "job_created"
	EventFinalized      = "job_finalized"
	EventCanceled       = "job_canceled"
	EventForceFinalized = "job_force_finalized"
	EventResumed        = "job_resumed"
)

// Sink is a write-only append-only audit collaborator.
type Sink interface {
	// Append records one audit event for a job.
	Append(jobID, eventType string, payload map[string]any) error
}

// Entry is one audit record as written to the JSONL sink.
type Entry struct {
	Timestamp string         `json:"timestamp"` // Timestamp is RFC3339Nano UTC
	JobID     string         `json:"job_id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FileSink appends audit entries to a JSONL file, one JSON object per line.
type FileSink struct {
	path string
	mu   sync.Mutex // mu serializes writes so lines never interleave
}

// NewFileSink creates a FileSink writing to path.
// The parent directory is created if missing.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir:\n%w", err)
	}

	return &FileSink{path: path}, nil
}

// Append writes one entry as a single JSON line.
func (s *FileSink) Append(jobID, eventType string, payload map[string]any) error {
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		JobID:     jobID,
		Event:     eventType,
		Payload:   payload,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry:\n%w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log:\n%w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append audit entry:\n%w", err)
	}

	return nil
}

// NopSink discards all entries. Used in tests.
type NopSink struct{}

// Append implements Sink and does nothing.
func (NopSink) Append(string, string, map[string]any) error { return nil }
