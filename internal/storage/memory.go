package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgellow/webview-handoff/internal/cookie"
	"github.com/dgellow/webview-handoff/internal/log"
)

// Ensure MemoryStorage implements CredentialStore
var _ CredentialStore = (*MemoryStorage)(nil)

// MemoryStorage keeps credentials for the lifetime of the process only
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]cookie.Record // map["origin|name"] = record
	now     func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string]cookie.Record),
		now:     time.Now,
	}
}

// SetCredential overwrites the record stored for the same origin and name
func (s *MemoryStorage) SetCredential(_ context.Context, rec cookie.Record) error {
	s.mu.Lock()
	s.records[rec.Key()] = rec
	s.mu.Unlock()

	log.LogTraceWithFields("storage", "Credential stored in memory", map[string]any{
		"origin": rec.Origin,
		"name":   rec.Name,
	})
	return nil
}

// Flush is a no-op; writes are visible as soon as SetCredential returns
func (s *MemoryStorage) Flush(context.Context) error {
	return nil
}

// GetCredential returns the live record for origin and name
func (s *MemoryStorage) GetCredential(_ context.Context, origin, name string) (*cookie.Record, error) {
	s.mu.RLock()
	rec, ok := s.records[origin+"|"+name]
	s.mu.RUnlock()

	if !ok || rec.Expired(s.now()) {
		return nil, ErrCredentialNotFound
	}
	return &rec, nil
}

// ListCredentials returns every live record for origin, sorted by name
func (s *MemoryStorage) ListCredentials(_ context.Context, origin string) ([]cookie.Record, error) {
	now := s.now()

	s.mu.RLock()
	var out []cookie.Record
	for _, rec := range s.records {
		if rec.Origin == origin && !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CleanupExpired drops records whose max-age has elapsed
func (s *MemoryStorage) CleanupExpired(context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			count++
		}
	}
	return count, nil
}

// Close releases nothing; it exists to satisfy CredentialStore
func (s *MemoryStorage) Close() error {
	return nil
}
