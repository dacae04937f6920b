// Package store provides the storage collaborators behind the core ports:
// in-memory implementations for embedded and test use, a sqlite-backed
// token/tenant store, and a redis-backed session store.
package store

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/idport/idport/internal/core"
)

// hashKey indexes token records by content hash and kind.
type hashKey struct {
	hash string
	kind core.TokenKind
}

// MemoryTokenStore is a mutex-guarded TokenStore. Transactions hold the
// store lock for the duration of the callback and roll back by restoring a
// snapshot, which gives the same atomicity guarantees as the sqlite store.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]core.TokenRecord
	byHash map[hashKey]string
	audit  []core.AuditEntry
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]core.TokenRecord),
		byHash: make(map[hashKey]string),
	}
}

type memoryTx struct {
	s *MemoryTokenStore
}

func (t *memoryTx) InsertToken(_ context.Context, rec core.TokenRecord) error {
	t.s.tokens[rec.ID] = rec
	t.s.byHash[hashKey{rec.ContentHash, rec.Kind}] = rec.ID
	return nil
}

func (t *memoryTx) DeleteToken(_ context.Context, id string) (bool, error) {
	rec, ok := t.s.tokens[id]
	if !ok {
		return false, nil
	}
	delete(t.s.tokens, id)
	delete(t.s.byHash, hashKey{rec.ContentHash, rec.Kind})
	return true, nil
}

func (t *memoryTx) AppendAudit(_ context.Context, entry core.AuditEntry) error {
	t.s.audit = append(t.s.audit, entry)
	return nil
}

func (s *MemoryTokenStore) WithTx(ctx context.Context, fn func(tx core.TokenTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapTokens := maps.Clone(s.tokens)
	snapByHash := maps.Clone(s.byHash)
	snapAuditLen := len(s.audit)

	if err := fn(&memoryTx{s: s}); err != nil {
		s.tokens = snapTokens
		s.byHash = snapByHash
		s.audit = s.audit[:snapAuditLen]
		return err
	}
	return nil
}

func (s *MemoryTokenStore) LookupByHash(_ context.Context, contentHash string, kind core.TokenKind) (*core.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hashKey{contentHash, kind}]
	if !ok {
		return nil, nil
	}
	rec := s.tokens[id]
	return &rec, nil
}

func (s *MemoryTokenStore) DeleteToken(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return false, nil
	}
	delete(s.tokens, id)
	delete(s.byHash, hashKey{rec.ContentHash, rec.Kind})
	return true, nil
}

func (s *MemoryTokenStore) GetToken(_ context.Context, id string) (*core.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryTokenStore) DeleteByHash(_ context.Context, contentHash string, kind core.TokenKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[hashKey{contentHash, kind}]
	if !ok {
		return false, nil
	}
	delete(s.tokens, id)
	delete(s.byHash, hashKey{contentHash, kind})
	return true, nil
}

func (s *MemoryTokenStore) UpdateToken(_ context.Context, id string, title *string, expires *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return core.NewTokenError("no token with id %q", id)
	}
	if title != nil {
		rec.Title = *title
	}
	if expires != nil {
		rec.ExpirationDate = *expires
	}
	s.tokens[id] = rec
	return nil
}

func (s *MemoryTokenStore) ListActive(_ context.Context) ([]core.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	active := make([]core.TokenRecord, 0, len(s.tokens))
	for _, rec := range s.tokens {
		if rec.NeverExpires() || rec.ExpirationDate.After(now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

// AuditEntries returns the transactionally written audit trail, newest
// last.
func (s *MemoryTokenStore) AuditEntries(_ context.Context) ([]core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out, nil
}

type sessionEntry struct {
	sess      core.AuthSession
	expiresAt time.Time
}

// MemorySessionStore is a TTL-bound in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]sessionEntry)}
}

func (s *MemorySessionStore) Create(_ context.Context, sess core.AuthSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sessionEntry{sess: sess, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*core.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.sessions, id)
		return nil, core.ErrSessionNotFound
	}
	sess := entry.sess
	return &sess, nil
}

func (s *MemorySessionStore) BindSubject(_ context.Context, id string, subjectID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.sessions, id)
		return core.ErrSessionNotFound
	}
	entry.sess.SubjectID = subjectID
	s.sessions[id] = entry
	return nil
}

// Consume removes the session under the store lock, so concurrent callers
// cannot both get it back.
func (s *MemorySessionStore) Consume(_ context.Context, id string) (*core.AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[id]
	delete(s.sessions, id)
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, core.ErrSessionNotFound
	}
	sess := entry.sess
	return &sess, nil
}

func (s *MemorySessionStore) Close(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// MemoryLocker implements NamedLocker for a single process. Each name maps
// to a one-slot channel so acquisition can respect context cancellation.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	return fn(ctx)
}
