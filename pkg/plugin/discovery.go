package plugin

import (
	"fmt"
	"os"
	"path/filepath"
)

// Discover lists the subdirectories of dir that carry a plugin.json. A
// missing dir means no plugins.
func Discover(dir string) ([]Discovered, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var found []Discovered
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFile)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		found = append(found, Discovered{
			ID:           entry.Name(),
			Path:         pluginDir,
			ManifestPath: manifestPath,
		})
	}
	return found, nil
}
