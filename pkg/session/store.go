package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when no handle is recorded
var ErrNotFound = errors.New("session: handle not found")

// Handle binds a conversation identity to its backend session
type Handle struct {
	ConversationID   string    `json:"conversation_id"`
	AgentID          string    `json:"agent_id"`
	UserID           string    `json:"user_id"`
	BackendSessionID string    `json:"backend_session_id"`
	ParentID         string    `json:"parent_id,omitempty"` // identity this handle replaced
	Generation       int       `json:"generation"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
}

// Clone returns a copy safe to hand out
func (h *Handle) Clone() *Handle {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}

// Store persists handles and retired identities. Implementations must be
// safe for concurrent use.
type Store interface {
	Get(ctx context.Context, conversationID string) (*Handle, error)
	Put(ctx context.Context, h *Handle) error
	Delete(ctx context.Context, conversationID string) error
	// DeleteIdle removes handles last used before the cutoff
	DeleteIdle(ctx context.Context, before time.Time) (int, error)
	Tombstone(ctx context.Context, conversationID, replacedBy string) error
	// Retired reports whether the identity was tombstoned and which identity,
	// if any, replaced it.
	Retired(ctx context.Context, conversationID string) (replacedBy string, retired bool, err error)
	// PruneTombstones forgets identities retired before the cutoff
	PruneTombstones(ctx context.Context, before time.Time) (int, error)
	Close() error
}

const memoryShards = 16

type tombstone struct {
	replacedBy string
	retiredAt  time.Time
}

type memoryShard struct {
	mu         sync.RWMutex
	handles    map[string]*Handle
	tombstones map[string]tombstone
}

// MemoryStore is a process-local Store sharded by conversation identity
type MemoryStore struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			handles:    make(map[string]*Handle),
			tombstones: make(map[string]tombstone),
		}
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Get(ctx context.Context, conversationID string) (*Handle, error) {
	sh := s.shard(conversationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	h, ok := sh.handles[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return h.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, h *Handle) error {
	sh := s.shard(h.ConversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.handles[h.ConversationID] = h.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	sh := s.shard(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.handles, conversationID)
	return nil
}

func (s *MemoryStore) DeleteIdle(ctx context.Context, before time.Time) (int, error) {
	deleted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, h := range sh.handles {
			if h.LastUsedAt.Before(before) {
				delete(sh.handles, id)
				deleted++
			}
		}
		sh.mu.Unlock()
	}
	return deleted, nil
}

func (s *MemoryStore) Tombstone(ctx context.Context, conversationID, replacedBy string) error {
	sh := s.shard(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.handles, conversationID)
	sh.tombstones[conversationID] = tombstone{replacedBy: replacedBy, retiredAt: time.Now()}
	return nil
}

func (s *MemoryStore) Retired(ctx context.Context, conversationID string) (string, bool, error) {
	sh := s.shard(conversationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ts, ok := sh.tombstones[conversationID]
	return ts.replacedBy, ok, nil
}

func (s *MemoryStore) PruneTombstones(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, ts := range sh.tombstones {
			if ts.retiredAt.Before(before) {
				delete(sh.tombstones, id)
				pruned++
			}
		}
		sh.mu.Unlock()
	}
	return pruned, nil
}

// Len returns the number of stored handles
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.handles)
		sh.mu.RUnlock()
	}
	return n
}

func (s *MemoryStore) Close() error {
	return nil
}
