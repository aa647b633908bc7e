package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/harun/agentgate/pkg/toolexecutor"
	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"
)

// Backend is one running plugin seen as a toolexecutor.Backend.
type Backend struct {
	manifest Manifest
	client   *RPCClient
}

// NewBackend wraps a connected plugin client.
func NewBackend(manifest Manifest, client *RPCClient) *Backend {
	return &Backend{manifest: manifest, client: client}
}

func (b *Backend) Name() string {
	return b.manifest.ID
}

// Manifest returns the manifest the plugin was loaded from
func (b *Backend) Manifest() Manifest {
	return b.manifest
}

// ListTools returns the advertised tools the manifest exports.
func (b *Backend) ListTools(ctx context.Context) ([]toolexecutor.ToolDefinition, error) {
	defs, err := b.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	exported := defs[:0]
	for _, def := range defs {
		if b.manifest.Exports(def.Name) {
			exported = append(exported, def)
		}
	}
	return exported, nil
}

func (b *Backend) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if !b.manifest.Exports(name) {
		return "", fmt.Errorf("plugin %s does not export tool %s", b.manifest.ID, name)
	}
	return b.client.Invoke(ctx, name, args)
}

// Host launches plugin processes and keeps them until Close.
type Host struct {
	logger   zerolog.Logger
	manifest *ManifestLoader

	mu      sync.Mutex
	clients []*goplugin.Client
}

// NewHost creates a plugin host for the given gateway version
func NewHost(hostVersion string, logger zerolog.Logger) *Host {
	return &Host{
		logger:   logger.With().Str("component", "plugin-host").Logger(),
		manifest: NewManifestLoader(hostVersion, logger),
	}
}

// Load starts every plugin under dir. A plugin that fails to load is
// logged and skipped so one broken plugin does not block the rest.
func (h *Host) Load(dir string) ([]*Backend, error) {
	found, err := Discover(dir)
	if err != nil {
		return nil, err
	}

	var backends []*Backend
	for _, d := range found {
		b, err := h.start(d)
		if err != nil {
			h.logger.Warn().Err(err).Str("plugin", d.ID).Msg("Failed to load plugin")
			continue
		}
		backends = append(backends, b)
	}

	h.logger.Info().
		Str("dir", dir).
		Int("discovered", len(found)).
		Int("loaded", len(backends)).
		Msg("Plugin discovery completed")

	return backends, nil
}

func (h *Host) start(d Discovered) (*Backend, error) {
	manifest, err := h.manifest.LoadManifest(d.ManifestPath)
	if err != nil {
		return nil, err
	}

	executable := filepath.Join(d.Path, manifest.Main)
	if _, err := os.Stat(executable); err != nil {
		return nil, fmt.Errorf("plugin executable not found: %s", executable)
	}

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          pluginMap(nil),
		Cmd:              exec.Command(executable),
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin." + manifest.ID,
			Output: h.logger,
			Level:  hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}
	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}
	provider, ok := raw.(*RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin type %T", raw)
	}

	h.mu.Lock()
	h.clients = append(h.clients, client)
	h.mu.Unlock()

	h.logger.Info().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Plugin loaded")

	return NewBackend(*manifest, provider), nil
}

// Close kills every plugin process the host started.
func (h *Host) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = nil
	h.mu.Unlock()

	for _, c := range clients {
		c.Kill()
	}
}
