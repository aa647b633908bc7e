// Package plugin runs tool providers as separate processes.
//
// Each plugin lives in its own directory under the plugin root with a
// plugin.json manifest naming the executable. The host launches it over
// HashiCorp go-plugin (net/rpc) and exposes it as a toolexecutor.Backend,
// so plugin tools are registered and gated like any other remote tool.
// Plugin authors call Serve from their main function.
package plugin
