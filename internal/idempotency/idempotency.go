// Package idempotency retains recent mutation outcomes so a repeated
// submission returns the recorded outcome instead of re-running. Outcomes are
// keyed by submitter and idempotency id; neither changes between a
// submission and its retries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrNotFound means no outcome is retained for the key.
var ErrNotFound = errors.New("idempotency: not found")

// Key identifies a submission.
type Key struct {
	User string
	ID   string
}

// Outcome is the recorded response of a mutation.
type Outcome struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Applied   bool            `json:"applied"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store retains outcomes for a bounded window. Put keeps the first outcome
// recorded for a key.
type Store interface {
	Get(ctx context.Context, key Key) (Outcome, error)
	Put(ctx context.Context, key Key, outcome Outcome, ttl time.Duration) error
}

// MemoryStore is a process-local Store with one lock per submitter shard.
type MemoryStore struct {
	mu     sync.Mutex
	shards map[string]*shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	puts    int
}

type memoryEntry struct {
	outcome   Outcome
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{shards: make(map[string]*shard), now: time.Now}
}

func (s *MemoryStore) shard(user string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[user]
	if !ok {
		sh = &shard{entries: make(map[string]memoryEntry)}
		s.shards[user] = sh
	}
	return sh
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Outcome, error) {
	sh := s.shard(key.User)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.entries[key.ID]
	if !ok || !s.now().Before(entry.expiresAt) {
		return Outcome{}, ErrNotFound
	}
	return entry.outcome, nil
}

func (s *MemoryStore) Put(_ context.Context, key Key, outcome Outcome, ttl time.Duration) error {
	sh := s.shard(key.User)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.now()
	k := key.ID
	if entry, ok := sh.entries[k]; ok && now.Before(entry.expiresAt) {
		return nil
	}
	sh.entries[k] = memoryEntry{outcome: outcome, expiresAt: now.Add(ttl)}
	sh.puts++
	if sh.puts%256 == 0 {
		for k, entry := range sh.entries {
			if !now.Before(entry.expiresAt) {
				delete(sh.entries, k)
			}
		}
	}
	return nil
}
