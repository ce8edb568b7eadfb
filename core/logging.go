package core

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Delegation states recorded in the journal.
const (
	StateReceived  = "received"
	StateResolving = "resolving"
	StateRouted    = "routed"
	StateFailed    = "failed"
	StateExecuting = "executing"
	StateCompleted = "completed"
)

// Journal is an append-only audit trail of delegation transitions.
// A nil *Journal discards every entry.
type Journal struct {
	mu      sync.Mutex
	logFile *os.File
}

// OpenJournal opens (or creates) the journal at filePath for appending.
func OpenJournal(filePath string) (*Journal, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", filePath, err)
	}
	return &Journal{logFile: file}, nil
}

// Record appends one transition for taskID.
func (j *Journal) Record(taskID, state, details string) error {
	if j == nil {
		return nil
	}
	entry := fmt.Sprintf("%s | %s | %s | %s\n", time.Now().Format(time.RFC3339), taskID, state, details)

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.logFile.WriteString(entry); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.logFile.Close()
}
