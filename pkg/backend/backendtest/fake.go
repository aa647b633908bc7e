// Package backendtest provides a scriptable in-memory backend for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentgate/pkg/backend"
)

// Responder produces the raw payload for one turn
type Responder func(req backend.TurnRequest) ([]byte, error)

// Call records one backend call
type Call struct {
	Op      string
	Request backend.TurnRequest
	At      time.Time
}

type rule struct {
	match     string
	responder Responder
	delay     time.Duration
}

// Fake is a Backend whose sessions live in a map. Sessions must be created
// before turns run against them, so a lost session behaves like the real thing.
type Fake struct {
	mu          sync.Mutex
	sessions    map[string]bool
	rules       []rule
	fallback    Responder
	calls       []Call
	loseNext    int
	createErr   error
	runErr      error
	concurrent  bool
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

// New creates a Fake that echoes the instruction back as text
func New() *Fake {
	return &Fake{
		sessions: make(map[string]bool),
		fallback: func(req backend.TurnRequest) ([]byte, error) {
			if len(req.ToolResults) > 0 {
				outputs := make([]string, 0, len(req.ToolResults))
				for _, tr := range req.ToolResults {
					outputs = append(outputs, tr.Output)
				}
				return Text(strings.Join(outputs, "\n")), nil
			}
			return Text(req.Instruction), nil
		},
	}
}

func key(agentID, userID, conversationID string) string {
	return agentID + "|" + userID + "|" + conversationID
}

// On answers turns whose instruction contains match. Earlier rules win.
func (f *Fake) On(match string, r Responder) *Fake {
	return f.OnDelayed(match, 0, r)
}

// OnDelayed is On with a delay before the response
func (f *Fake) OnDelayed(match string, delay time.Duration, r Responder) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{match: match, responder: r, delay: delay})
	return f
}

// Default replaces the fallback responder
func (f *Fake) Default(r Responder) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = r
	return f
}

// SetDelay delays every turn
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetConcurrentTurns sets the reported capability
func (f *Fake) SetConcurrentTurns(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.concurrent = v
}

// FailCreate makes CreateSession return err until cleared with nil
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FailRun makes RunTurn return err until cleared with nil
func (f *Fake) FailRun(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runErr = err
}

// LoseSession drops one session so its next turn reports session not found
func (f *Fake) LoseSession(agentID, userID, conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, key(agentID, userID, conversationID))
}

// LoseNextSessions makes the next n turns, on any session, find their session gone
func (f *Fake) LoseNextSessions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loseNext = n
}

// HasSession reports whether the session exists
func (f *Fake) HasSession(agentID, userID, conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[key(agentID, userID, conversationID)]
}

// SessionCount returns the number of live sessions
func (f *Fake) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Calls returns every recorded call
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Runs returns the recorded RunTurn requests
func (f *Fake) Runs() []backend.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.TurnRequest
	for _, c := range f.calls {
		if c.Op == "run" {
			out = append(out, c.Request)
		}
	}
	return out
}

// MaxConcurrentRuns returns the highest number of turns seen in flight at once
func (f *Fake) MaxConcurrentRuns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func (f *Fake) record(op string, req backend.TurnRequest) {
	f.calls = append(f.calls, Call{Op: op, Request: req, At: time.Now()})
}

// CreateSession implements backend.Backend
func (f *Fake) CreateSession(ctx context.Context, agentID, userID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create", backend.TurnRequest{AgentID: agentID, UserID: userID, ConversationID: conversationID})
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.createErr != nil {
		return f.createErr
	}
	k := key(agentID, userID, conversationID)
	if f.sessions[k] {
		return backend.ErrAlreadyExists
	}
	f.sessions[k] = true
	return nil
}

// DeleteSession implements backend.Backend
func (f *Fake) DeleteSession(ctx context.Context, agentID, userID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete", backend.TurnRequest{AgentID: agentID, UserID: userID, ConversationID: conversationID})
	delete(f.sessions, key(agentID, userID, conversationID))
	return nil
}

// RunTurn implements backend.Backend
func (f *Fake) RunTurn(ctx context.Context, req backend.TurnRequest) ([]byte, error) {
	f.mu.Lock()
	f.record("run", req)
	k := key(req.AgentID, req.UserID, req.ConversationID)
	if f.loseNext > 0 {
		f.loseNext--
		delete(f.sessions, k)
	}
	exists := f.sessions[k]
	runErr := f.runErr
	delay := f.delay
	responder := f.fallback
	for _, r := range f.rules {
		if strings.Contains(req.Instruction, r.match) {
			responder = r.responder
			delay += r.delay
			break
		}
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: %v", backend.ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", backend.ErrSessionNotFound, req.ConversationID)
	}
	return responder(req)
}

// Capabilities implements backend.Backend
func (f *Fake) Capabilities() backend.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return backend.Capabilities{ConcurrentTurns: f.concurrent}
}

// Part is one ADK content part
type Part map[string]interface{}

// TextPart builds a text part
func TextPart(text string) Part {
	return Part{"text": text}
}

// CallPart builds a functionCall part
func CallPart(id, name string, args map[string]interface{}) Part {
	return Part{"functionCall": map[string]interface{}{"id": id, "name": name, "args": args}}
}

// ResponsePart builds a functionResponse part
func ResponsePart(id, name, result string) Part {
	return Part{"functionResponse": map[string]interface{}{
		"id": id, "name": name, "response": map[string]interface{}{"result": result},
	}}
}

// Events encodes one model event per group of parts
func Events(events ...[]Part) []byte {
	out := make([]map[string]interface{}, 0, len(events))
	for _, parts := range events {
		out = append(out, map[string]interface{}{
			"author":  "agent",
			"content": map[string]interface{}{"role": "model", "parts": parts},
		})
	}
	data, _ := json.Marshal(out)
	return data
}

// Text encodes a single text event
func Text(text string) []byte {
	return Events([]Part{TextPart(text)})
}

// Static always answers with payload
func Static(payload []byte) Responder {
	return func(backend.TurnRequest) ([]byte, error) { return payload, nil }
}

// Reply always answers with text
func Reply(text string) Responder {
	return Static(Text(text))
}
