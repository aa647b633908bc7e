package local

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// EchoProvider answers without calling any API. A user message of the form
//
//	/tool <name> <json arguments>
//
// is turned into a tool call, which makes the tool loop usable offline.
type EchoProvider struct {
	seq atomic.Int64
}

// NewEchoProvider creates an echo provider
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

// Name returns the provider name
func (p *EchoProvider) Name() string {
	return "echo"
}

// Call replies to the last message in the history
func (p *EchoProvider) Call(ctx context.Context, request Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(request.Messages) == 0 {
		return &Response{Content: ""}, nil
	}

	last := request.Messages[len(request.Messages)-1]
	if last.Role == "tool" {
		var results []string
		for i := len(request.Messages) - 1; i >= 0 && request.Messages[i].Role == "tool"; i-- {
			results = append([]string{fmt.Sprintf("%s: %s", request.Messages[i].ToolName, request.Messages[i].Content)}, results...)
		}
		return &Response{Content: strings.Join(results, "\n")}, nil
	}

	if rest, ok := strings.CutPrefix(last.Content, "/tool "); ok {
		name, rawArgs, _ := strings.Cut(strings.TrimSpace(rest), " ")
		args := map[string]interface{}{}
		if strings.TrimSpace(rawArgs) != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("invalid tool arguments: %w", err)
			}
		}
		return &Response{ToolCalls: []ToolCall{{
			ID:        fmt.Sprintf("echo-%d", p.seq.Add(1)),
			Name:      name,
			Arguments: args,
		}}}, nil
	}

	return &Response{Content: last.Content}, nil
}
