package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_TextParts(t *testing.T) {
	payload := []byte(`[
		{"author":"faq_agent","content":{"role":"model","parts":[{"text":"Hello"},{"text":", "}]}},
		{"author":"faq_agent","content":{"role":"model","parts":[{"text":"world"}]}}
	]`)

	frag := Normalize(payload)

	assert.Equal(t, "Hello, world", frag.Text)
	assert.Empty(t, frag.ToolCalls)
	assert.Empty(t, frag.Pending)
	assert.Empty(t, frag.Diagnostics)
}

func TestNormalize_PureToolCallTurn(t *testing.T) {
	payload := []byte(`[{"content":{"parts":[{"functionCall":{"id":"c1","name":"lookup","args":{"q":"x"}}}]}}]`)

	frag := Normalize(payload)

	assert.Equal(t, "", frag.Text)
	require.Len(t, frag.Pending, 1)
	assert.Equal(t, "lookup", frag.Pending[0].Name)
	assert.Equal(t, "c1", frag.Pending[0].ID)
	assert.Equal(t, "x", frag.Pending[0].Arguments["q"])
	assert.False(t, frag.Malformed())
}

func TestNormalize_ToolCallsAnyPosition(t *testing.T) {
	payload := []byte(`[
		{"content":{"parts":[
			{"text":"before "},
			{"functionCall":{"id":"a","name":"search","args":{}}},
			{"text":"middle "}
		]}},
		{"content":{"parts":[
			{"functionResponse":{"id":"a","name":"search","response":{"result":"found it"}}},
			{"functionCall":{"id":"b","name":"fetch","args":{"url":"u"}}},
			{"functionResponse":{"id":"b","name":"fetch","response":{"error":"404"}}},
			{"text":"after"}
		]}}
	]`)

	frag := Normalize(payload)

	assert.Equal(t, "before middle after", frag.Text)
	require.Len(t, frag.ToolCalls, 2)
	assert.Equal(t, "search", frag.ToolCalls[0].Name)
	assert.True(t, frag.ToolCalls[0].Ok())
	assert.Equal(t, "found it", frag.ToolCalls[0].Payload)
	assert.Equal(t, "fetch", frag.ToolCalls[1].Name)
	assert.Equal(t, OutcomeErr, frag.ToolCalls[1].Outcome)
	assert.Equal(t, KindToolCallError, frag.ToolCalls[1].ErrorKind)
	assert.Equal(t, "404", frag.ToolCalls[1].Payload)
	assert.Empty(t, frag.Pending)
}

func TestNormalize_ResponsesAnswerOneCallEach(t *testing.T) {
	payload := []byte(`[{"content":{"parts":[
		{"functionCall":{"name":"lookup","args":{"q":"first"}}},
		{"functionCall":{"name":"lookup","args":{"q":"second"}}},
		{"functionResponse":{"name":"lookup","response":{"result":"one"}}}
	]}}]`)

	frag := Normalize(payload)

	require.Len(t, frag.ToolCalls, 1)
	assert.Equal(t, "first", frag.ToolCalls[0].Arguments["q"])
	assert.Equal(t, "one", frag.ToolCalls[0].Payload)
	require.Len(t, frag.Pending, 1)
	assert.Equal(t, "second", frag.Pending[0].Arguments["q"])

	payload = []byte(`[{"content":{"parts":[
		{"functionCall":{"name":"lookup","args":{"q":"first"}}},
		{"functionCall":{"name":"lookup","args":{"q":"second"}}},
		{"functionResponse":{"name":"lookup","response":{"result":"one"}}},
		{"functionResponse":{"name":"lookup","response":{"result":"two"}}}
	]}}]`)

	frag = Normalize(payload)

	require.Len(t, frag.ToolCalls, 2)
	assert.Equal(t, "one", frag.ToolCalls[0].Payload)
	assert.Equal(t, "two", frag.ToolCalls[1].Payload)
	assert.Empty(t, frag.Pending)
}

func TestNormalize_AcceptedShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"single event", `{"content":{"parts":[{"text":"one"}]}}`, "one"},
		{"events envelope", `{"events":[{"content":{"parts":[{"text":"two"}]}}]}`, "two"},
		{"flat text event", `[{"text":"three"}]`, "three"},
		{"thought parts skipped", `[{"content":{"parts":[{"text":"hmm","thought":true},{"text":"four"}]}}]`, "four"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag := Normalize([]byte(tt.payload))
			assert.Equal(t, tt.want, frag.Text)
			assert.Empty(t, frag.Diagnostics)
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		diag    string
	}{
		{"empty", ``, DiagEmptyPayload},
		{"not json", `{"content":`, DiagInvalidJSON},
		{"scalar", `42`, DiagUnexpectedType},
		{"missing text field", `[{"content":{"parts":[{"foo":"bar"}]}}]`, "has no text"},
		{"missing content", `[{"author":"x"}]`, "has no content parts"},
		{"non-string text", `[{"content":{"parts":[{"text":7}]}}]`, "text is not a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frag Fragment
			require.NotPanics(t, func() {
				frag = Normalize([]byte(tt.payload))
			})
			assert.Equal(t, "", frag.Text)
			require.NotEmpty(t, frag.Diagnostics)
			assert.Contains(t, frag.Diagnostics[0], tt.diag)
			assert.True(t, frag.Malformed())
		})
	}
}

func TestNormalize_ControlEventHasNoDiagnostic(t *testing.T) {
	payload := []byte(`[{"actions":{"stateDelta":{"k":"v"}}},{"content":{"parts":[{"text":"ok"}]}}]`)

	frag := Normalize(payload)

	assert.Equal(t, "ok", frag.Text)
	assert.Empty(t, frag.Diagnostics)
}

func TestNormalize_ErrorMessageEvent(t *testing.T) {
	frag := Normalize([]byte(`[{"errorCode":"500","errorMessage":"model overloaded"}]`))

	assert.Equal(t, "", frag.Text)
	require.Len(t, frag.Diagnostics, 1)
	assert.Contains(t, frag.Diagnostics[0], "model overloaded")
}
