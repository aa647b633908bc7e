package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentgate/internal/observability"
	"github.com/harun/agentgate/internal/tracing"
	"github.com/harun/agentgate/pkg/turn"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Entry is one line of a conversation transcript
type Entry struct {
	ConversationID string                 `json:"conversation_id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Store keeps one JSONL file per conversation
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a Store rooted at dir
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")

	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory transcripts are written to
func (s *Store) Dir() string {
	return s.dir
}

func validateKey(conversationID string) error {
	switch {
	case conversationID == "":
		return fmt.Errorf("conversation id cannot be empty")
	case conversationID == "." || strings.Contains(conversationID, ".."):
		return fmt.Errorf("conversation id cannot contain '..'")
	case strings.ContainsAny(conversationID, "/\\\x00"):
		return fmt.Errorf("conversation id cannot contain path separators")
	}
	return nil
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".jsonl")
}

func (s *Store) writeLock(conversationID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.writeLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.writeLocks[conversationID] = lock
	}
	return lock
}

// Append writes entries to the conversation's transcript in one locked write
func (s *Store) Append(ctx context.Context, conversationID string, entries ...Entry) (err error) {
	ctx, span := tracing.StartSpan(ctx, "agentgate.transcript", "transcript.append",
		attribute.String("conversation_id", conversationID),
		attribute.Int("entries", len(entries)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordTranscriptWrite(time.Since(start), err == nil)
		if err != nil {
			tracing.FailSpan(span, err)
		}
	}()

	if err := validateKey(conversationID); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var buf []byte
	for _, e := range entries {
		if e.Role == "" {
			return fmt.Errorf("entry role cannot be empty")
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		e.ConversationID = conversationID
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	lock := s.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(conversationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("conversation_id", conversationID).
		Int("entries", len(entries)).
		Msg("Transcript appended")
	return nil
}

// AppendTurn records a caller message and the turn result that answered it
func (s *Store) AppendTurn(ctx context.Context, message string, result *turn.Result, meta map[string]interface{}) error {
	if result == nil {
		return fmt.Errorf("turn result is required")
	}

	now := time.Now()
	assistantMeta := map[string]interface{}{
		"tool_calls": len(result.ToolCalls),
		"stages":     len(result.Stages),
	}
	if result.Recovered {
		assistantMeta["recovered"] = true
	}
	for k, v := range meta {
		assistantMeta[k] = v
	}

	return s.Append(ctx, result.ConversationID,
		Entry{Role: "user", Content: message, Timestamp: now, Metadata: meta},
		Entry{Role: "assistant", Content: result.Text, Timestamp: now, Metadata: assistantMeta},
	)
}

// Load returns every entry of a transcript. Corrupt lines are skipped.
func (s *Store) Load(ctx context.Context, conversationID string) ([]Entry, error) {
	if err := validateKey(conversationID); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(conversationID))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	entries := []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Role == "" {
			log.Warn().
				Str("conversation_id", conversationID).
				Int("line", lineNum).
				Msg("Skipping invalid transcript line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Tail returns the last limit entries, or all of them when limit <= 0
func (s *Store) Tail(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	entries, err := s.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Delete removes a transcript
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := validateKey(conversationID); err != nil {
		return err
	}

	lock := s.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, conversationID)
	s.locksMu.Unlock()
	return nil
}

// List returns the conversation IDs that have a transcript
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return ids, nil
}

// replace atomically rewrites a transcript with entries
func (s *Store) replace(conversationID string, entries []Entry) error {
	lock := s.writeLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	target := s.path(conversationID)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	w := bufio.NewWriter(file)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace transcript: %w", err)
	}
	return nil
}
