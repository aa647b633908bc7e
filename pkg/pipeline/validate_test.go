package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func seq(id, instruction, slot string) Sequential {
	return Sequential{Step: Step{ID: id, Instruction: instruction, OutputSlot: slot}}
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name: "single step forwarding the message",
			def:  Definition{Agent: "faq_agent", Stages: []Stage{seq("answer", "", "")}},
		},
		{
			name: "sequential data flow",
			def: Definition{Agent: "a", Stages: []Stage{
				seq("draft", "Draft {message}", "draft"),
				seq("polish", "Polish {draft}", ""),
			}},
		},
		{
			name: "optional forward reference allowed",
			def:  Definition{Agent: "a", Stages: []Stage{seq("s", "{later?}", "")}},
		},
		{
			name:    "bad agent",
			def:     Definition{Agent: "has space", Stages: []Stage{seq("s", "", "")}},
			wantErr: "agent identity",
		},
		{
			name:    "no stages",
			def:     Definition{Agent: "a"},
			wantErr: "no stages",
		},
		{
			name: "forward reference",
			def: Definition{Agent: "a", Stages: []Stage{
				seq("first", "{draft}", ""),
				seq("second", "", "draft"),
			}},
			wantErr: "before any earlier stage",
		},
		{
			name: "duplicate step id",
			def: Definition{Agent: "a", Stages: []Stage{
				seq("s", "", ""),
				seq("s", "", ""),
			}},
			wantErr: "duplicate step id",
		},
		{
			name: "duplicate slot",
			def: Definition{Agent: "a", Stages: []Stage{
				seq("one", "", "x"),
				seq("two", "", "x"),
			}},
			wantErr: "already written",
		},
		{
			name:    "reserved slot",
			def:     Definition{Agent: "a", Stages: []Stage{seq("s", "", MessageSlot)}},
			wantErr: "reserved",
		},
		{
			name: "sibling reference",
			def: Definition{Agent: "a", Stages: []Stage{
				ParallelGroup{Name: "g", Steps: []Step{
					{ID: "left", OutputSlot: "l"},
					{ID: "right", Instruction: "{l?}", OutputSlot: "r"},
				}},
			}},
			wantErr: "parallel sibling",
		},
		{
			name: "siblings writing one slot",
			def: Definition{Agent: "a", Stages: []Stage{
				ParallelGroup{Name: "g", Steps: []Step{
					{ID: "left", OutputSlot: "x"},
					{ID: "right", OutputSlot: "x"},
				}},
			}},
			wantErr: "already written",
		},
		{
			name:    "empty group",
			def:     Definition{Agent: "a", Stages: []Stage{ParallelGroup{Name: "g"}}},
			wantErr: "no steps",
		},
		{
			name:    "nil stage",
			def:     Definition{Agent: "a", Stages: []Stage{nil}},
			wantErr: "empty",
		},
		{
			name:    "bad template",
			def:     Definition{Agent: "a", Stages: []Stage{seq("s", "{oops", "")}},
			wantErr: "unterminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidDefinition)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
