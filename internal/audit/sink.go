// Package audit provides the operational audit sinks. These sinks receive a
// copy of the issuance events (the authoritative copy lives in the token
// store's transaction) plus the non-transactional flow events.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/idport/idport/internal/core"
)

// FileSink appends entries to a file as JSON lines.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (f *FileSink) Log(entry core.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enc.Encode(entry); err != nil {
		return fmt.Errorf("writing audit log entry: %w", err)
	}
	return nil
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// MemorySink keeps entries in memory. Used in tests and by the admin
// listing endpoint when no durable sink is configured.
type MemorySink struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Log(entry core.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (m *MemorySink) Recent(limit int) []core.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > len(m.entries) {
		limit = len(m.entries)
	}
	out := make([]core.AuditEntry, limit)
	copy(out, m.entries[len(m.entries)-limit:])
	return out
}

// ByAction returns every entry whose action matches.
func (m *MemorySink) ByAction(action string) []core.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []core.AuditEntry
	for _, entry := range m.entries {
		if entry.Action == action {
			out = append(out, entry)
		}
	}
	return out
}

func (m *MemorySink) Close() error { return nil }

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) Log(core.AuditEntry) error { return nil }
func (NoopSink) Close() error              { return nil }

var (
	_ core.Auditor = (*FileSink)(nil)
	_ core.Auditor = (*MemorySink)(nil)
	_ core.Auditor = NoopSink{}
)
