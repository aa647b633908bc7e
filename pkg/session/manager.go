package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/backend"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "agentgate.session"

	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepSchedule = "@every 5m"
	DefaultTombstoneTTL  = 24 * time.Hour

	// maxRedirects bounds how many replaced identities Resolve follows
	maxRedirects = 8
)

// ErrTombstoned is returned for identities retired by recovery or deletion
var ErrTombstoned = errors.New("session: conversation identity was retired")

// Config configures a Manager
type Config struct {
	Backend       backend.Backend
	Store         Store         // defaults to a MemoryStore
	IdleTTL       time.Duration // cached handles idle for longer are swept
	SweepSchedule string
	// TombstoneTTL is how long retired identities are remembered. Negative keeps them forever.
	TombstoneTTL time.Duration
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Manager maps conversation identities to backend sessions. Work on one
// identity is serialized by a key-scoped lock; different identities never
// contend and no lock covering more than one key is held during I/O.
type Manager struct {
	backend  backend.Backend
	store    Store
	idleTTL      time.Duration
	tombstoneTTL time.Duration
	schedule     string

	locksMu sync.Mutex
	locks   map[string]*keyLock

	cacheMu sync.RWMutex
	cache   map[string]*Handle

	cronMu sync.Mutex
	cron   *cron.Cron

	now func() time.Time
}

// NewManager creates a Manager
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.TombstoneTTL == 0 {
		cfg.TombstoneTTL = DefaultTombstoneTTL
	}

	return &Manager{
		backend:  cfg.Backend,
		store:    cfg.Store,
		idleTTL:      cfg.IdleTTL,
		tombstoneTTL: cfg.TombstoneTTL,
		schedule:     cfg.SweepSchedule,
		locks:        make(map[string]*keyLock),
		cache:        make(map[string]*Handle),
		now:          time.Now,
	}, nil
}

// lock takes the key-scoped lock and returns its release
func (m *Manager) lock(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			m.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, key)
			}
			m.locksMu.Unlock()
		})
	}
}

func (m *Manager) cached(conversationID string) *Handle {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.cache[conversationID].Clone()
}

// stamp sets LastUsedAt on the cached handle and returns a copy
func (m *Manager) stamp(conversationID string) *Handle {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	h, ok := m.cache[conversationID]
	if !ok {
		return nil
	}
	h.LastUsedAt = m.now()
	return h.Clone()
}

func (m *Manager) remember(h *Handle) {
	m.cacheMu.Lock()
	m.cache[h.ConversationID] = h.Clone()
	n := len(m.cache)
	m.cacheMu.Unlock()
	observability.SetSessionHandles(n)
}

func (m *Manager) forget(conversationID string) {
	m.cacheMu.Lock()
	delete(m.cache, conversationID)
	n := len(m.cache)
	m.cacheMu.Unlock()
	observability.SetSessionHandles(n)
}

// Resolve returns the handle for a conversation, creating the backend session
// when none is known. An empty conversationID mints a fresh identity.
func (m *Manager) Resolve(ctx context.Context, agentID, userID, conversationID string) (h *Handle, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.resolve",
		attribute.String("agent_id", agentID),
		attribute.String("user_id", userID),
		attribute.String("conversation_id", conversationID),
	)
	defer span.End()

	outcome := "error"
	defer func() {
		observability.RecordSessionResolve(outcome)
		if err != nil {
			tracing.FailSpan(span, err)
		}
	}()

	if err := ValidateIdentity("agent", agentID); err != nil {
		return nil, turn.NewError(turn.KindInvalidIdentity, "session.resolve", err)
	}
	if err := ValidateIdentity("user", userID); err != nil {
		return nil, turn.NewError(turn.KindInvalidIdentity, "session.resolve", err)
	}

	if conversationID == "" {
		id, err := NewConversationID(agentID, userID)
		if err != nil {
			return nil, turn.NewError(turn.KindInternal, "session.resolve", err)
		}
		h, err := m.create(ctx, agentID, userID, id, "", 0)
		if err != nil {
			return nil, err
		}
		outcome = "minted"
		return h, nil
	}

	if err := ValidateIdentity("conversation", conversationID); err != nil {
		return nil, turn.NewError(turn.KindInvalidIdentity, "session.resolve", err)
	}

	// A retired identity with a live replacement resolves to the replacement,
	// so turns queued behind a recovery land on the recovered conversation.
	id := conversationID
	for hops := 0; ; hops++ {
		var next string
		h, next, outcome, err = m.resolveKnown(ctx, agentID, userID, id)
		if err != nil || h != nil {
			if h != nil && hops > 0 {
				outcome = "redirected"
				span.SetAttributes(attribute.String("redirected_to", h.ConversationID))
			}
			return h, err
		}
		if hops == maxRedirects {
			outcome = "tombstoned"
			return nil, turn.NewError(turn.KindSessionLost, "session.resolve",
				fmt.Errorf("%w: more than %d replacements", ErrTombstoned, maxRedirects)).
				WithConversation(id)
		}
		id = next
	}
}

// resolveKnown resolves one non-empty identity under its key lock. A nil
// handle with no error means the identity was replaced by next.
func (m *Manager) resolveKnown(ctx context.Context, agentID, userID, conversationID string) (h *Handle, next, outcome string, err error) {
	unlock := m.lock(conversationID)
	defer unlock()

	replacedBy, retired, err := m.store.Retired(ctx, conversationID)
	if err != nil {
		return nil, "", "error", turn.NewError(turn.KindInternal, "session.resolve", err)
	}
	if retired {
		m.forget(conversationID)
		if replacedBy != "" {
			return nil, replacedBy, "", nil
		}
		return nil, "", "tombstoned", turn.NewError(turn.KindSessionLost, "session.resolve", ErrTombstoned).
			WithConversation(conversationID)
	}

	if cached := m.cached(conversationID); cached != nil {
		if err := checkOwner(cached, agentID, userID); err != nil {
			return nil, "", "error", err
		}
		h = m.stamp(conversationID)
		if err := m.store.Put(ctx, h); err != nil {
			log.Warn().Str("conversation_id", conversationID).Err(err).Msg("Failed to persist handle use")
		}
		return h, "", "cached", nil
	}

	stored, err := m.store.Get(ctx, conversationID)
	switch {
	case err == nil:
		if err := checkOwner(stored, agentID, userID); err != nil {
			return nil, "", "error", err
		}
		stored.LastUsedAt = m.now()
		m.remember(stored)
		if err := m.store.Put(ctx, stored); err != nil {
			log.Warn().Str("conversation_id", conversationID).Err(err).Msg("Failed to persist handle use")
		}
		return stored, "", "stored", nil
	case !errors.Is(err, ErrNotFound):
		return nil, "", "error", turn.NewError(turn.KindInternal, "session.resolve", err)
	}

	h, err = m.create(ctx, agentID, userID, conversationID, "", 0)
	if err != nil {
		return nil, "", "error", err
	}
	return h, "", "created", nil
}

func checkOwner(h *Handle, agentID, userID string) error {
	if h.AgentID != agentID || h.UserID != userID {
		return turn.NewError(turn.KindInvalidIdentity, "session.resolve",
			fmt.Errorf("conversation %s belongs to a different agent or user", h.ConversationID)).
			WithConversation(h.ConversationID)
	}
	return nil
}

// create opens the backend session and records its handle. Callers hold the key lock
// or own a freshly minted identity.
func (m *Manager) create(ctx context.Context, agentID, userID, conversationID, parentID string, generation int) (*Handle, error) {
	err := m.backend.CreateSession(ctx, agentID, userID, conversationID)
	if err != nil && !errors.Is(err, backend.ErrAlreadyExists) {
		typed := turn.AsError(backend.AsTurnError("session.create", err))
		return nil, typed.WithConversation(conversationID)
	}

	now := m.now()
	h := &Handle{
		ConversationID:   conversationID,
		AgentID:          agentID,
		UserID:           userID,
		BackendSessionID: conversationID,
		ParentID:         parentID,
		Generation:       generation,
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	if err := m.store.Put(ctx, h); err != nil {
		return nil, turn.NewError(turn.KindInternal, "session.create", err).WithConversation(conversationID)
	}
	m.remember(h)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("agent_id", agentID).
		Str("user_id", userID).
		Str("conversation_id", conversationID).
		Int("generation", generation).
		Msg("Backend session created")

	return h.Clone(), nil
}

// Invalidate drops the handle and retires the identity. The backend session
// is left alone; it is already gone or about to be.
func (m *Manager) Invalidate(ctx context.Context, conversationID, replacedBy string) error {
	unlock := m.lock(conversationID)
	defer unlock()

	return m.retire(ctx, conversationID, replacedBy)
}

func (m *Manager) retire(ctx context.Context, conversationID, replacedBy string) error {
	m.forget(conversationID)
	if err := m.store.Tombstone(ctx, conversationID, replacedBy); err != nil {
		return fmt.Errorf("failed to tombstone %s: %w", conversationID, err)
	}

	log.Info().
		Str("conversation_id", conversationID).
		Str("replaced_by", replacedBy).
		Msg("Conversation identity retired")
	return nil
}

// Reissue retires old and opens a session under a fresh identity for the same agent and user
func (m *Manager) Reissue(ctx context.Context, old *Handle) (h *Handle, err error) {
	if old == nil {
		return nil, turn.NewError(turn.KindInternal, "session.reissue", fmt.Errorf("handle is required"))
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "session.reissue",
		attribute.String("conversation_id", old.ConversationID),
		attribute.Int("generation", old.Generation),
	)
	defer span.End()
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
			tracing.FailSpan(span, err)
		}
		meta := map[string]interface{}{"agent_id": old.AgentID, "user_id": old.UserID}
		if h != nil {
			meta["replaced_by"] = h.ConversationID
		}
		observability.RecordSessionAudit(ctx, "session_reissued", old.ConversationID, status, meta)
	}()

	unlock := m.lock(old.ConversationID)
	defer unlock()

	// Another turn already recovered this identity; join its replacement.
	replacedBy, retired, err := m.store.Retired(ctx, old.ConversationID)
	if err != nil {
		return nil, turn.NewError(turn.KindInternal, "session.reissue", err).WithConversation(old.ConversationID)
	}
	if retired && replacedBy != "" {
		unlock()
		return m.Resolve(ctx, old.AgentID, old.UserID, replacedBy)
	}

	id, err := NewConversationID(old.AgentID, old.UserID)
	if err != nil {
		return nil, turn.NewError(turn.KindInternal, "session.reissue", err)
	}

	// The replacement exists before the old identity points at it.
	h, err = m.create(ctx, old.AgentID, old.UserID, id, old.ConversationID, old.Generation+1)
	if err != nil {
		return nil, err
	}
	if err := m.retire(ctx, old.ConversationID, id); err != nil {
		return nil, turn.NewError(turn.KindInternal, "session.reissue", err).WithConversation(old.ConversationID)
	}
	return h, nil
}

// Delete removes the backend session and retires the identity. It reports
// whether a handle was known.
func (m *Manager) Delete(ctx context.Context, conversationID string) (bool, error) {
	if err := ValidateIdentity("conversation", conversationID); err != nil {
		return false, turn.NewError(turn.KindInvalidIdentity, "session.delete", err)
	}

	unlock := m.lock(conversationID)
	defer unlock()

	h := m.cached(conversationID)
	if h == nil {
		stored, err := m.store.Get(ctx, conversationID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return false, turn.NewError(turn.KindInternal, "session.delete", err)
		}
		h = stored
	}

	if h != nil {
		if err := m.backend.DeleteSession(ctx, h.AgentID, h.UserID, h.BackendSessionID); err != nil {
			return false, backend.AsTurnError("session.delete", err)
		}
	}
	if err := m.retire(ctx, conversationID, ""); err != nil {
		return false, turn.NewError(turn.KindInternal, "session.delete", err)
	}

	observability.RecordSessionAudit(ctx, "session_deleted", conversationID, "success",
		map[string]interface{}{"known": h != nil})
	return h != nil, nil
}

// Lookup returns the live handle for a conversation without creating one
func (m *Manager) Lookup(ctx context.Context, conversationID string) (*Handle, bool) {
	if h := m.cached(conversationID); h != nil {
		return h, true
	}
	h, err := m.store.Get(ctx, conversationID)
	if err != nil {
		return nil, false
	}
	return h, true
}

// Touch marks a conversation as used now
func (m *Manager) Touch(ctx context.Context, conversationID string) error {
	unlock := m.lock(conversationID)
	defer unlock()

	h := m.stamp(conversationID)
	if h == nil {
		stored, err := m.store.Get(ctx, conversationID)
		if err != nil {
			return err
		}
		stored.LastUsedAt = m.now()
		m.remember(stored)
		h = stored
	}
	return m.store.Put(ctx, h)
}

// Sweep evicts handles idle for longer than maxIdle and returns how many
// cached handles were dropped.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	var idle []string
	m.cacheMu.RLock()
	for id, h := range m.cache {
		if h.LastUsedAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.cacheMu.RUnlock()

	evicted := 0
	for _, id := range idle {
		unlock := m.lock(id)
		if h := m.cached(id); h != nil && h.LastUsedAt.Before(cutoff) {
			m.forget(id)
			evicted++
		}
		unlock()
	}

	stored, err := m.store.DeleteIdle(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to delete idle session handles")
	}

	pruned := 0
	if m.tombstoneTTL > 0 {
		pruned, err = m.store.PruneTombstones(ctx, m.now().Add(-m.tombstoneTTL))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune retired identities")
		}
	}

	if evicted > 0 || stored > 0 || pruned > 0 {
		log.Info().
			Int("evicted", evicted).
			Int("store_deleted", stored).
			Int("tombstones_pruned", pruned).
			Int("remaining", m.Count()).
			Msg("Idle session handles swept")
	}
	return evicted
}

// Count returns the number of cached handles
func (m *Manager) Count() int {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return len(m.cache)
}

// Start schedules the idle sweep
func (m *Manager) Start() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("session sweep is already running")
	}
	if m.idleTTL < 0 {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.schedule, func() { m.Sweep(context.Background(), m.idleTTL) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c

	log.Info().Dur("idle_ttl", m.idleTTL).Str("schedule", m.schedule).Msg("Session sweep started")
	return nil
}

// Stop stops the sweep schedule
func (m *Manager) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cron = nil
	m.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
