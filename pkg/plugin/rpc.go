package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"

	"github.com/harun/agentgate/pkg/toolexecutor"
	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the plugin and host are compatible
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGENTGATE_TOOL_PLUGIN",
	MagicCookieValue: "agentgate-tools-v1",
}

// pluginName is the key both sides dispense the provider under.
const pluginName = "tools"

// ToolProvider is what a plugin process implements.
type ToolProvider interface {
	ListTools() ([]toolexecutor.ToolDefinition, error)
	Invoke(name string, args map[string]interface{}) (string, error)
}

// ToolPlugin is the go-plugin glue for ToolProvider. Impl is only set on
// the plugin side.
type ToolPlugin struct {
	Impl ToolProvider
}

func (p *ToolPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

func pluginMap(impl ToolProvider) map[string]goplugin.Plugin {
	return map[string]goplugin.Plugin{pluginName: &ToolPlugin{Impl: impl}}
}

// Serve runs impl as a plugin process. It blocks until the host goes away.
func Serve(impl ToolProvider) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         pluginMap(impl),
	})
}

// Arguments and results travel as JSON so nested values survive gob.

// ListToolsResponse is the reply to Plugin.ListTools
type ListToolsResponse struct {
	Tools []byte
	Error string
}

// InvokeArgs are the arguments for Plugin.Invoke
type InvokeArgs struct {
	Name      string
	Arguments []byte
}

// InvokeResponse is the reply to Plugin.Invoke
type InvokeResponse struct {
	Result string
	Error  string
}

// RPCServer is the RPC server that RPCClient talks to
type RPCServer struct {
	Impl ToolProvider
}

func (s *RPCServer) ListTools(_ interface{}, resp *ListToolsResponse) error {
	defs, err := s.Impl.ListTools()
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	data, err := json.Marshal(defs)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Tools = data
	return nil
}

func (s *RPCServer) Invoke(args *InvokeArgs, resp *InvokeResponse) error {
	params := map[string]interface{}{}
	if len(args.Arguments) > 0 {
		if err := json.Unmarshal(args.Arguments, &params); err != nil {
			resp.Error = fmt.Sprintf("invalid arguments: %v", err)
			return nil
		}
	}
	result, err := s.Impl.Invoke(args.Name, params)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Result = result
	return nil
}

// RPCClient is the host-side view of a plugin process
type RPCClient struct {
	client *rpc.Client
}

// NewRPCClient wraps an established RPC connection to a plugin.
func NewRPCClient(c *rpc.Client) *RPCClient {
	return &RPCClient{client: c}
}

// call honors ctx; net/rpc itself has no cancellation.
func (c *RPCClient) call(ctx context.Context, method string, args, reply interface{}) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}

func (c *RPCClient) ListTools(ctx context.Context) ([]toolexecutor.ToolDefinition, error) {
	var resp ListToolsResponse
	if err := c.call(ctx, "Plugin.ListTools", new(interface{}), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	var defs []toolexecutor.ToolDefinition
	if err := json.Unmarshal(resp.Tools, &defs); err != nil {
		return nil, fmt.Errorf("invalid tool list: %w", err)
	}
	return defs, nil
}

func (c *RPCClient) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var resp InvokeResponse
	if err := c.call(ctx, "Plugin.Invoke", &InvokeArgs{Name: name, Arguments: data}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Result, nil
}
