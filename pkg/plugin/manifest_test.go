package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	loader := NewManifestLoader("0.3.0", zerolog.Nop())

	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name: "valid",
			json: `{"id":"weather","name":"Weather","version":"1.2.0","main":"bin/weather","host":">= 0.2.0","tools":["forecast"]}`,
		},
		{
			name:    "missing main",
			json:    `{"id":"weather","name":"Weather","version":"1.2.0"}`,
			wantErr: "main",
		},
		{
			name:    "bad id",
			json:    `{"id":"Weather Tools","name":"Weather","version":"1.2.0","main":"w"}`,
			wantErr: "schema validation",
		},
		{
			name:    "bad version",
			json:    `{"id":"weather","name":"Weather","version":"one","main":"w"}`,
			wantErr: "invalid version",
		},
		{
			name:    "host too old",
			json:    `{"id":"weather","name":"Weather","version":"1.0.0","main":"w","host":">= 1.0.0"}`,
			wantErr: "requires host",
		},
		{
			name:    "bad host constraint",
			json:    `{"id":"weather","name":"Weather","version":"1.0.0","main":"w","host":"not a constraint"}`,
			wantErr: "invalid host constraint",
		},
		{
			name:    "main escapes plugin dir",
			json:    `{"id":"weather","name":"Weather","version":"1.0.0","main":"../../bin/sh"}`,
			wantErr: "inside the plugin directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := loader.ParseManifest([]byte(tt.json))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "weather", m.ID)
			assert.True(t, m.Exports("forecast"))
			assert.False(t, m.Exports("other"))
		})
	}
}

func TestParseManifest_NonSemverHostSkipsConstraint(t *testing.T) {
	loader := NewManifestLoader("dev", zerolog.Nop())

	_, err := loader.ParseManifest([]byte(`{"id":"w","name":"W","version":"1.0.0","main":"w","host":">= 9.0.0"}`))
	assert.NoError(t, err)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"w","name":"W","version":"1.0.0","main":"w"}`), 0o644))

	m, err := NewManifestLoader("0.1.0", zerolog.Nop()).LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "w", m.ID)
	assert.True(t, m.Exports("anything"))

	_, err = NewManifestLoader("0.1.0", zerolog.Nop()).LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
