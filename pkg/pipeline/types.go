package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MessageSlot holds the caller's message for the turn
const MessageSlot = "message"

var (
	// ErrUnknownAgent is returned when no pipeline is registered for an agent
	ErrUnknownAgent = errors.New("pipeline: unknown agent")

	// ErrInvalidDefinition is returned for definitions that fail validation
	ErrInvalidDefinition = errors.New("pipeline: invalid definition")
)

// Step is one backend turn within a pipeline
type Step struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Instruction string   `json:"instruction,omitempty" yaml:"instruction,omitempty" toml:"instruction,omitempty"`
	OutputSlot  string   `json:"output_slot,omitempty" yaml:"output_slot,omitempty" toml:"output_slot,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty" toml:"tools,omitempty"`
}

// template returns the step's instruction template. An empty instruction
// forwards the caller's message.
func (s Step) template() string {
	if s.Instruction == "" {
		return "{" + MessageSlot + "}"
	}
	return s.Instruction
}

// Stage is either Sequential or ParallelGroup
type Stage interface {
	// Label names the stage in results, logs and errors
	Label() string
	isStage()
}

// Sequential runs one step after the previous stage completed
type Sequential struct {
	Step Step
}

func (s Sequential) Label() string { return s.Step.ID }
func (Sequential) isStage()         {}

// ParallelGroup runs its steps concurrently against a snapshot of the slots
type ParallelGroup struct {
	Name  string
	Steps []Step
}

func (g ParallelGroup) Label() string { return g.Name }
func (ParallelGroup) isStage()         {}

// Definition is the pipeline an agent identity runs for every turn
type Definition struct {
	Agent       string
	Description string
	Stages      []Stage
	Source      string // file it was loaded from, if any
}

// StepCount returns the number of steps across all stages
func (d Definition) StepCount() int {
	n := 0
	for _, st := range d.Stages {
		switch s := st.(type) {
		case Sequential:
			n++
		case ParallelGroup:
			n += len(s.Steps)
		}
	}
	return n
}

// SlotStore holds the outputs of one pipeline execution. It is discarded
// when the turn ends.
type SlotStore struct {
	mu    sync.RWMutex
	slots map[string]string
}

// NewSlotStore creates a store seeded with the caller's message
func NewSlotStore(message string) *SlotStore {
	return &SlotStore{slots: map[string]string{MessageSlot: message}}
}

// Get returns a slot value
func (s *SlotStore) Get(slot string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[slot]
	return v, ok
}

// Set writes a slot. The message slot cannot be overwritten.
func (s *SlotStore) Set(slot, value string) error {
	if slot == MessageSlot {
		return fmt.Errorf("slot %q is reserved", MessageSlot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = value
	return nil
}

// Snapshot copies the current slots
func (s *SlotStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.slots))
	for k, v := range s.slots {
		out[k] = v
	}
	return out
}

// Names returns the written slot names, sorted
func (s *SlotStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.slots))
	for k := range s.slots {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
