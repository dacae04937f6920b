package store

import (
	"context"
	"sync"

	"github.com/idport/idport/internal/core"
)

// DefaultSubjectField is the directory attribute used as the token subject
// when a client does not configure its own.
const DefaultSubjectField = "guid"

// Subject is a directory entry for the in-memory directory.
type Subject struct {
	ID         int64             `yaml:"id"`
	Status     string            `yaml:"status"`
	Attributes map[string]string `yaml:"attributes"`
}

// MemoryDirectory is a Directory backed by static subject and client data,
// typically loaded from the config file for dev and test setups.
type MemoryDirectory struct {
	mu          sync.RWMutex
	subjects    map[int64]Subject
	clients     map[string]core.ClientRegistration
	trackStatus bool
}

func NewMemoryDirectory(subjects []Subject, clients []core.ClientRegistration, trackStatus bool) *MemoryDirectory {
	d := &MemoryDirectory{
		subjects:    make(map[int64]Subject, len(subjects)),
		clients:     make(map[string]core.ClientRegistration, len(clients)),
		trackStatus: trackStatus,
	}
	for _, s := range subjects {
		d.subjects[s.ID] = s
	}
	for _, c := range clients {
		d.clients[c.ClientID] = c
	}
	return d
}

func (d *MemoryDirectory) SubjectAttribute(_ context.Context, subjectID int64, field string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	subject, ok := d.subjects[subjectID]
	if !ok {
		return "", core.NewTokenError("unknown subject %d", subjectID)
	}
	if field == "" {
		field = DefaultSubjectField
	}
	value, ok := subject.Attributes[field]
	if !ok || value == "" {
		return "", core.NewTokenError("subject %d has no %q attribute", subjectID, field)
	}
	return value, nil
}

func (d *MemoryDirectory) AccountStatus(_ context.Context, subjectID int64) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trackStatus {
		return "", false, nil
	}
	subject, ok := d.subjects[subjectID]
	if !ok {
		return "", true, core.NewTokenError("unknown subject %d", subjectID)
	}
	return subject.Status, true, nil
}

func (d *MemoryDirectory) Client(_ context.Context, clientID string) (*core.ClientRegistration, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	client, ok := d.clients[clientID]
	if !ok {
		return nil, nil
	}
	return &client, nil
}

// AddSubject registers a subject, for tests.
func (d *MemoryDirectory) AddSubject(s Subject) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects[s.ID] = s
}
