// Command agentgate-echo-plugin is a minimal tool plugin. Build it into a
// directory under tools.plugin_dir next to a plugin.json such as
//
//	{"id": "echo-plugin", "name": "Echo", "version": "0.1.0", "main": "agentgate-echo-plugin"}
package main

import (
	"fmt"
	"strings"

	"github.com/harun/agentgate/pkg/plugin"
	"github.com/harun/agentgate/pkg/toolexecutor"
)

type tools struct{}

func (tools) ListTools() ([]toolexecutor.ToolDefinition, error) {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "shout",
			Description: "Upper-case the given text",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "text", Type: "string", Description: "Text to shout", Required: true},
			},
		},
	}, nil
}

func (tools) Invoke(name string, args map[string]interface{}) (string, error) {
	if name != "shout" {
		return "", fmt.Errorf("unknown tool %s", name)
	}
	text, _ := args["text"].(string)
	return strings.ToUpper(text), nil
}

func main() {
	plugin.Serve(tools{})
}
