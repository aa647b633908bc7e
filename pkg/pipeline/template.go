package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

var slotNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Ref is a slot reference inside an instruction template
type Ref struct {
	Slot     string
	Optional bool
}

type segment struct {
	literal string
	ref     *Ref
}

// Template is a parsed instruction. {slot} is required, {slot?} renders
// empty when the slot is absent, {{ and }} are literal braces.
type Template struct {
	raw      string
	segments []segment
}

// ParseTemplate parses an instruction template
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '{' && i+1 < len(raw) && raw[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(raw) && raw[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated slot reference at offset %d", i)
			}
			name := raw[i+1 : i+1+end]
			ref := Ref{Slot: name}
			if strings.HasSuffix(name, "?") {
				ref = Ref{Slot: strings.TrimSuffix(name, "?"), Optional: true}
			}
			if !slotNamePattern.MatchString(ref.Slot) {
				return nil, fmt.Errorf("invalid slot reference {%s} at offset %d", name, i)
			}
			flush()
			t.segments = append(t.segments, segment{ref: &ref})
			i += end + 1
		case c == '}':
			return nil, fmt.Errorf("unmatched '}' at offset %d (use '}}' for a literal brace)", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

// Refs returns the slot references in order of appearance
func (t *Template) Refs() []Ref {
	var refs []Ref
	for _, s := range t.segments {
		if s.ref != nil {
			refs = append(refs, *s.ref)
		}
	}
	return refs
}

// Render substitutes slot values. A missing required slot is an error.
func (t *Template) Render(slots map[string]string) (string, error) {
	var b strings.Builder
	for _, s := range t.segments {
		if s.ref == nil {
			b.WriteString(s.literal)
			continue
		}
		v, ok := slots[s.ref.Slot]
		if !ok && !s.ref.Optional {
			return "", fmt.Errorf("slot %q has not been written", s.ref.Slot)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (t *Template) String() string {
	return t.raw
}
