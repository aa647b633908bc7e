package plugin

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.json"

// Manifest represents the plugin.json file structure
type Manifest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	Main        string   `json:"main"`
	Host        string   `json:"host,omitempty"` // semver constraint on the gateway version
	Tools       []string `json:"tools,omitempty"`
}

// Exports reports whether the manifest allows the named tool. An empty
// tools list exports everything the plugin advertises.
func (m Manifest) Exports(tool string) bool {
	if len(m.Tools) == 0 {
		return true
	}
	for _, t := range m.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Discovered is a plugin directory found during discovery
type Discovered struct {
	ID           string
	Path         string
	ManifestPath string
}
