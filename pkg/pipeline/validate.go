package pipeline

import (
	"fmt"
	"strings"

	"github.com/harun/agentgate/pkg/session"
)

// Validate checks structure and slot data flow. Every required reference
// must name the message slot or a slot written by an earlier stage; steps in
// a parallel group cannot see each other's slots.
func (d Definition) Validate() error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := session.ValidateIdentity("agent", d.Agent); err != nil {
		addf("%v", err)
	}
	if len(d.Stages) == 0 {
		addf("pipeline has no stages")
	}

	written := map[string]string{MessageSlot: ""}
	labels := map[string]bool{}

	checkStep := func(step Step, siblings map[string]string) {
		if err := session.ValidateIdentity("step", step.ID); err != nil {
			addf("%v", err)
			return
		}
		if labels[step.ID] {
			addf("duplicate step id %q", step.ID)
		}
		labels[step.ID] = true

		switch {
		case step.OutputSlot == MessageSlot:
			addf("step %q writes the reserved %q slot", step.ID, MessageSlot)
		case step.OutputSlot != "" && !slotNamePattern.MatchString(step.OutputSlot):
			addf("step %q has invalid output slot %q", step.ID, step.OutputSlot)
		case step.OutputSlot != "":
			if owner, dup := written[step.OutputSlot]; dup {
				addf("step %q writes slot %q already written by %q", step.ID, step.OutputSlot, owner)
			}
			if owner, dup := siblings[step.OutputSlot]; dup && owner != step.ID {
				addf("step %q writes slot %q already written by %q", step.ID, step.OutputSlot, owner)
			}
		}

		tmpl, err := ParseTemplate(step.template())
		if err != nil {
			addf("step %q: %v", step.ID, err)
			return
		}
		for _, ref := range tmpl.Refs() {
			if owner, ok := siblings[ref.Slot]; ok && owner != step.ID {
				addf("step %q references slot %q of parallel sibling %q", step.ID, ref.Slot, owner)
				continue
			}
			if _, ok := written[ref.Slot]; !ok && !ref.Optional {
				addf("step %q references slot %q before any earlier stage writes it", step.ID, ref.Slot)
			}
		}
		for _, tool := range step.Tools {
			if strings.TrimSpace(tool) == "" {
				addf("step %q declares an empty tool name", step.ID)
			}
		}
	}

	for i, st := range d.Stages {
		switch s := st.(type) {
		case Sequential:
			checkStep(s.Step, nil)
			if s.Step.OutputSlot != "" && s.Step.OutputSlot != MessageSlot {
				written[s.Step.OutputSlot] = s.Step.ID
			}
		case ParallelGroup:
			if s.Name == "" {
				addf("parallel group at stage %d has no name", i)
			} else if labels[s.Name] {
				addf("duplicate stage name %q", s.Name)
			}
			labels[s.Name] = true
			if len(s.Steps) == 0 {
				addf("parallel group %q has no steps", s.Name)
			}

			siblings := map[string]string{}
			for _, step := range s.Steps {
				if step.OutputSlot != "" {
					if _, dup := siblings[step.OutputSlot]; !dup {
						siblings[step.OutputSlot] = step.ID
					}
				}
			}
			for _, step := range s.Steps {
				checkStep(step, siblings)
			}
			for slot, owner := range siblings {
				if slot != MessageSlot {
					written[slot] = owner
				}
			}
		case nil:
			addf("stage %d is empty", i)
		default:
			addf("stage %d has unsupported type %T", i, st)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidDefinition, d.Agent, strings.Join(problems, "; "))
	}
	return nil
}
