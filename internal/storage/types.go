package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": last config snapshot + jsonl journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// JournalMax bounds the number of journal entries kept; 0 means 5000.
	JournalMax int
}

const defaultJournalMax = 5000

func (c Config) journalMax() int {
	if c.JournalMax > 0 {
		return c.JournalMax
	}
	return defaultJournalMax
}

// JournalEntry records one service event. Keep it compact and schema-stable.
type JournalEntry struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message,omitempty"`
	DataJSON string    `json:"data,omitempty"`
}
