package toolexecutor

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins adds the small utility tools every deployment gets
func RegisterBuiltins(te *ToolExecutor) error {
	builtins := []ToolDefinition{
		{
			Name:        "echo",
			Description: "Return the given text unchanged",
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return params["text"], nil
			},
		},
		{
			Name:        "clock",
			Description: "Current time in RFC3339, optionally in an IANA timezone",
			Parameters: []ToolParameter{
				{Name: "timezone", Type: "string", Description: "IANA timezone name, e.g. Europe/Berlin"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				now := time.Now()
				if tz, _ := params["timezone"].(string); tz != "" {
					loc, err := time.LoadLocation(tz)
					if err != nil {
						return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
					}
					now = now.In(loc)
				}
				return now.Format(time.RFC3339), nil
			},
		},
	}

	for _, def := range builtins {
		def.Source = "builtin"
		if err := te.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}
