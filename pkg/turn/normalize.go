package turn

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Diagnostic markers attached to fragments that could not be fully interpreted
const (
	DiagEmptyPayload   = "normalize: empty payload"
	DiagInvalidJSON    = "normalize: payload is not valid JSON"
	DiagUnexpectedType = "normalize: payload is neither an event nor an event list"
)

// Normalize converts a raw backend turn payload into a Fragment.
//
// Accepted shapes are an array of events, a single event object, or an
// object with an "events" array. Each event carries content.parts where a
// part is one of {text}, {functionCall} or {functionResponse}. Text parts are
// concatenated in payload order. Function calls are paired with responses by
// id (or by name when ids are missing), each response answering at most one
// call; calls without a response are returned as Pending. Normalize never panics.
func Normalize(raw []byte) (frag Fragment) {
	defer func() {
		if r := recover(); r != nil {
			frag = Fragment{Diagnostics: []string{fmt.Sprintf("normalize: recovered from panic: %v", r)}}
		}
	}()

	if len(strings.TrimSpace(string(raw))) == 0 {
		return Fragment{Diagnostics: []string{DiagEmptyPayload}}
	}
	if !gjson.ValidBytes(raw) {
		return Fragment{Diagnostics: []string{DiagInvalidJSON}}
	}

	root := gjson.ParseBytes(raw)
	var events []gjson.Result
	switch {
	case root.IsArray():
		events = root.Array()
	case root.IsObject() && root.Get("events").IsArray():
		events = root.Get("events").Array()
	case root.IsObject():
		events = []gjson.Result{root}
	default:
		return Fragment{Diagnostics: []string{DiagUnexpectedType}}
	}

	n := &normalizer{responses: make(map[string][]gjson.Result)}
	for i, ev := range events {
		n.event(i, ev)
	}
	return n.finish()
}

type normalizer struct {
	text        strings.Builder
	calls       []ToolCall
	responses   map[string][]gjson.Result // queued per key in payload order
	diagnostics []string
}

func (n *normalizer) diag(format string, args ...interface{}) {
	n.diagnostics = append(n.diagnostics, fmt.Sprintf(format, args...))
}

func (n *normalizer) event(i int, ev gjson.Result) {
	if !ev.IsObject() {
		n.diag("normalize: event %d is not an object", i)
		return
	}
	if msg := ev.Get("errorMessage"); msg.Exists() && msg.String() != "" {
		n.diag("normalize: event %d reported error: %s", i, msg.String())
	}

	parts := ev.Get("content.parts")
	if !parts.Exists() {
		// Some backends flatten a text-only event.
		if t := ev.Get("text"); t.Type == gjson.String {
			n.text.WriteString(t.String())
			return
		}
		// Control events (state deltas, transfers) carry actions only.
		if !ev.Get("errorMessage").Exists() && !ev.Get("actions").Exists() {
			n.diag("normalize: event %d has no content parts", i)
		}
		return
	}
	if !parts.IsArray() {
		n.diag("normalize: event %d content.parts is not a list", i)
		return
	}

	for j, part := range parts.Array() {
		n.part(i, j, part)
	}
}

func (n *normalizer) part(i, j int, part gjson.Result) {
	if part.Get("thought").Bool() {
		return
	}

	if text := part.Get("text"); text.Exists() {
		if text.Type != gjson.String {
			n.diag("normalize: event %d part %d text is not a string", i, j)
			return
		}
		n.text.WriteString(text.String())
		return
	}

	if call := part.Get("functionCall"); call.Exists() {
		name := call.Get("name").String()
		if name == "" {
			n.diag("normalize: event %d part %d function call has no name", i, j)
			return
		}
		n.calls = append(n.calls, ToolCall{
			ID:        call.Get("id").String(),
			Name:      name,
			Arguments: objectValue(call.Get("args")),
		})
		return
	}

	if resp := part.Get("functionResponse"); resp.Exists() {
		key := responseKey(resp.Get("id").String(), resp.Get("name").String())
		if key == "" {
			n.diag("normalize: event %d part %d function response has no id or name", i, j)
			return
		}
		n.responses[key] = append(n.responses[key], resp)
		return
	}

	n.diag("normalize: event %d part %d has no text, functionCall or functionResponse", i, j)
}

func (n *normalizer) finish() Fragment {
	frag := Fragment{
		Text:        n.text.String(),
		Diagnostics: n.diagnostics,
	}

	for _, call := range n.calls {
		resp, ok := n.take(responseKey(call.ID, ""))
		if !ok {
			resp, ok = n.take(responseKey("", call.Name))
		}
		if !ok {
			frag.Pending = append(frag.Pending, call)
			continue
		}
		frag.ToolCalls = append(frag.ToolCalls, invocationFromResponse(call, resp.Get("response")))
	}
	return frag
}

// take removes and returns the oldest unmatched response for key
func (n *normalizer) take(key string) (gjson.Result, bool) {
	queue := n.responses[key]
	if key == "" || len(queue) == 0 {
		return gjson.Result{}, false
	}
	n.responses[key] = queue[1:]
	return queue[0], true
}

func responseKey(id, name string) string {
	if id != "" {
		return "id:" + id
	}
	if name != "" {
		return "name:" + name
	}
	return ""
}

func invocationFromResponse(call ToolCall, response gjson.Result) ToolInvocation {
	if e := response.Get("error"); e.Exists() && e.String() != "" {
		return ErrInvocation(call.ID, call.Name, call.Arguments, KindToolCallError, e.String())
	}
	for _, field := range []string{"result", "output", "text"} {
		if v := response.Get(field); v.Exists() {
			return OkInvocation(call.ID, call.Name, call.Arguments, valueText(v))
		}
	}
	return OkInvocation(call.ID, call.Name, call.Arguments, valueText(response))
}

func valueText(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	return v.Raw
}

func objectValue(v gjson.Result) map[string]interface{} {
	if !v.IsObject() {
		return map[string]interface{}{}
	}
	if m, ok := v.Value().(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}
