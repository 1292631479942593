// Package audit records sync decisions to the local journal.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/pulse/internal/models"
)

// Journal action names.
const (
	ActionDrain      = "sync.drain"
	ActionDeadLetter = "action.dead_letter"
	ActionConnect    = "source.connect"
	ActionRefresh    = "source.refresh"
	ActionDisconnect = "source.disconnect"
	ActionReset      = "cache.reset"
)

// Sink persists journal entries. *store.Store satisfies it.
type Sink interface {
	WriteJournal(action, inputsHash, outcome, subjectID, details string) (*models.JournalEntry, error)
}

// Journal writes hashed decision records for audit trails.
type Journal struct {
	sink   Sink
	logger *slog.Logger
}

// NewJournal creates a journal writing to sink.
func NewJournal(sink Sink, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{sink: sink, logger: logger}
}

// Record writes an entry for a state-mutating decision.
func (j *Journal) Record(action string, inputs any, outcome, subjectID, details string) (*models.JournalEntry, error) {
	return j.sink.WriteJournal(action, HashInputs(inputs), outcome, subjectID, details)
}

// Note records an entry and only logs a failure. The journal never blocks
// the operation it describes.
func (j *Journal) Note(action string, inputs any, outcome, subjectID, details string) {
	if j == nil {
		return
	}
	if _, err := j.Record(action, inputs, outcome, subjectID, details); err != nil {
		j.logger.Warn("journal write failed", "action", action, "subject", subjectID, "err", err)
	}
}

// HashInputs returns the hex SHA256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
