package transcript

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultMaxEntries = 1000
	DefaultSchedule   = "@hourly"
)

// RetentionConfig bounds how much history is kept
type RetentionConfig struct {
	MaxAge     time.Duration // transcripts untouched for longer are deleted
	MaxEntries int           // longer transcripts are trimmed to their newest entries
	Schedule   string        // cron expression or descriptor
}

// Retention prunes transcripts on a cron schedule
type Retention struct {
	store *Store
	cfg   RetentionConfig
	mu    sync.Mutex
	cron  *cron.Cron
}

// NewRetention creates a retention sweeper for store
func NewRetention(store *Store, cfg RetentionConfig) *Retention {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Retention{store: store, cfg: cfg}
}

// Start schedules the sweep
func (r *Retention) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("retention is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(context.Background(), time.Now()); err != nil {
			log.Error().Err(err).Msg("Transcript retention sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c

	log.Info().
		Dur("max_age", r.cfg.MaxAge).
		Int("max_entries", r.cfg.MaxEntries).
		Str("schedule", r.cfg.Schedule).
		Msg("Transcript retention started")
	return nil
}

// Stop stops the schedule and waits for a running sweep
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		log.Info().Msg("Transcript retention stopped")
	}
}

// Sweep deletes expired transcripts and trims long ones. It returns the number deleted.
func (r *Retention) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list transcripts: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		info, err := os.Stat(r.store.path(id))
		if err != nil {
			continue
		}
		if r.cfg.MaxAge > 0 && now.Sub(info.ModTime()) >= r.cfg.MaxAge {
			if err := r.store.Delete(ctx, id); err != nil {
				log.Warn().Str("conversation_id", id).Err(err).Msg("Failed to delete expired transcript")
				continue
			}
			deleted++
			continue
		}

		if err := r.trim(ctx, id); err != nil {
			log.Warn().Str("conversation_id", id).Err(err).Msg("Failed to trim transcript")
		}
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Expired transcripts deleted")
	}
	return deleted, nil
}

func (r *Retention) trim(ctx context.Context, id string) error {
	if r.cfg.MaxEntries <= 0 {
		return nil
	}

	entries, err := r.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if len(entries) <= r.cfg.MaxEntries {
		return nil
	}

	kept := entries[len(entries)-r.cfg.MaxEntries:]
	if err := r.store.replace(id, kept); err != nil {
		return err
	}

	log.Debug().
		Str("conversation_id", id).
		Int("from_entries", len(entries)).
		Int("to_entries", len(kept)).
		Msg("Transcript trimmed")
	return nil
}
