// Package feedback persists resolution outcomes to an append-only log.
// Records are line-delimited JSON; the file is the only durable state the
// service owns. Feedback does not influence ranking in this version.
package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"opskb-backend/pkg/errors"
)

// Outcome is the resolution result reported by the caller.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
)

// ValidOutcome reports whether o is one of the three resolution outcomes.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeFailure:
		return true
	}
	return false
}

// Record is one appended feedback line. Timestamp is always assigned by
// the server at append time; caller-supplied timestamps are ignored.
type Record struct {
	Timestamp             time.Time `json:"timestamp"`
	RunbookID             string    `json:"runbook_id"`
	ProcedureID           string    `json:"procedure_id"`
	Outcome               Outcome   `json:"outcome"`
	ResolutionTimeMinutes int       `json:"resolution_time_minutes,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
	CorrelationID         string    `json:"correlation_id,omitempty"`
}

// Log is the append-only feedback sink. Appends are serialized and each
// line is synced to disk before Append returns.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// Open creates or opens the log file in append mode, creating parent
// directories as needed.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create feedback dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open feedback log %s: %w", path, err)
	}
	return &Log{file: file, logger: logger.With(zap.String("component", "feedback"))}, nil
}

// Append validates, stamps, and durably writes one record. The returned
// record carries the server-assigned timestamp.
func (l *Log) Append(record Record) (Record, error) {
	if record.RunbookID == "" {
		return Record{}, errors.NewValidation("runbook_id is required")
	}
	if !ValidOutcome(record.Outcome) {
		return Record{}, errors.NewValidation(
			fmt.Sprintf("outcome %q is not one of success, partial_success, failure", record.Outcome))
	}
	record.Timestamp = time.Now().UTC()

	line, err := json.Marshal(record)
	if err != nil {
		return Record{}, errors.NewInternal("encode feedback record", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return Record{}, errors.NewServiceUnavailable("feedback log is closed")
	}
	if _, err := l.file.Write(line); err != nil {
		return Record{}, errors.NewInternal("append feedback record", err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, errors.NewInternal("sync feedback log", err)
	}

	l.logger.Info("feedback recorded",
		zap.String("runbook_id", record.RunbookID),
		zap.String("procedure_id", record.ProcedureID),
		zap.String("outcome", string(record.Outcome)))
	return record, nil
}

// Close syncs and closes the underlying file. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
