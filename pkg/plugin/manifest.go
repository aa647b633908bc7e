package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestLoader loads and validates plugin manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
	hostVersion  *semver.Version
}

// NewManifestLoader creates a manifest loader that checks host constraints
// against hostVersion. An unparseable host version disables the check.
func NewManifestLoader(hostVersion string, logger zerolog.Logger) *ManifestLoader {
	l := &ManifestLoader{
		logger:       logger.With().Str("component", "plugin-manifest").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
	if v, err := semver.NewVersion(hostVersion); err == nil {
		l.hostVersion = v
	} else if hostVersion != "" {
		l.logger.Warn().Str("version", hostVersion).Msg("Host version is not semver; plugin host constraints are not checked")
	}
	return l
}

// LoadManifest loads and validates a plugin manifest from a file
func (m *ManifestLoader) LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	manifest, err := m.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return manifest, nil
}

// ParseManifest validates raw manifest JSON
func (m *ManifestLoader) ParseManifest(data []byte) (*Manifest, error) {
	if err := m.validateSchema(data); err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	if err := m.validateManifest(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (m *ManifestLoader) validateManifest(manifest *Manifest) error {
	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
	}

	// The executable must stay inside the plugin directory.
	main := filepath.Clean(manifest.Main)
	if filepath.IsAbs(main) || main == ".." || strings.HasPrefix(main, ".."+string(filepath.Separator)) {
		return fmt.Errorf("main must be a path inside the plugin directory, got %q", manifest.Main)
	}

	if manifest.Host != "" {
		constraint, err := semver.NewConstraint(manifest.Host)
		if err != nil {
			return fmt.Errorf("invalid host constraint %q: %w", manifest.Host, err)
		}
		if m.hostVersion != nil && !constraint.Check(m.hostVersion) {
			return fmt.Errorf("plugin %s requires host %s, running %s", manifest.ID, manifest.Host, m.hostVersion)
		}
	}
	return nil
}
