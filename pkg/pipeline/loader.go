package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// SupportedExtensions lists the definition file formats the loader reads
var SupportedExtensions = []string{".yaml", ".yml", ".json", ".jsonc", ".toml"}

type stepSpec = Step

type groupSpec struct {
	Name  string     `json:"name" yaml:"name" toml:"name"`
	Steps []stepSpec `json:"steps" yaml:"steps" toml:"steps"`
}

// stageSpec is the on-disk form of a stage: exactly one of Step or Parallel is set
type stageSpec struct {
	Step     *stepSpec  `json:"step,omitempty" yaml:"step,omitempty" toml:"step,omitempty"`
	Parallel *groupSpec `json:"parallel,omitempty" yaml:"parallel,omitempty" toml:"parallel,omitempty"`
}

type definitionSpec struct {
	Agent       string      `json:"agent" yaml:"agent" toml:"agent"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Stages      []stageSpec `json:"stages" yaml:"stages" toml:"stages"`
}

// fileSpec accepts either one definition or a list under "pipelines"
type fileSpec struct {
	definitionSpec `yaml:",inline"`
	Pipelines      []definitionSpec `json:"pipelines,omitempty" yaml:"pipelines,omitempty" toml:"pipelines,omitempty"`
}

func (s definitionSpec) definition(source string) (Definition, error) {
	def := Definition{Agent: s.Agent, Description: s.Description, Source: source}
	for i, st := range s.Stages {
		switch {
		case st.Step != nil && st.Parallel != nil:
			return Definition{}, fmt.Errorf("%w %q: stage %d sets both step and parallel", ErrInvalidDefinition, s.Agent, i)
		case st.Step != nil:
			def.Stages = append(def.Stages, Sequential{Step: *st.Step})
		case st.Parallel != nil:
			def.Stages = append(def.Stages, ParallelGroup{Name: st.Parallel.Name, Steps: st.Parallel.Steps})
		default:
			return Definition{}, fmt.Errorf("%w %q: stage %d sets neither step nor parallel", ErrInvalidDefinition, s.Agent, i)
		}
	}
	return def, nil
}

func specOf(d Definition) definitionSpec {
	s := definitionSpec{Agent: d.Agent, Description: d.Description, Stages: []stageSpec{}}
	for _, st := range d.Stages {
		switch v := st.(type) {
		case Sequential:
			step := v.Step
			s.Stages = append(s.Stages, stageSpec{Step: &step})
		case ParallelGroup:
			s.Stages = append(s.Stages, stageSpec{Parallel: &groupSpec{Name: v.Name, Steps: v.Steps}})
		}
	}
	return s
}

// MarshalJSON renders the definition in its file form
func (d Definition) MarshalJSON() ([]byte, error) {
	return json.Marshal(specOf(d))
}

// Parse decodes definitions in the format named by ext and validates them
func Parse(data []byte, ext, source string) ([]Definition, error) {
	var spec fileSpec

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pipeline file format: %s (supported: %s)", ext, strings.Join(SupportedExtensions, ", "))
	}

	specs := spec.Pipelines
	if spec.Agent != "" || len(spec.Stages) > 0 {
		specs = append([]definitionSpec{spec.definitionSpec}, specs...)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no pipelines found", ErrInvalidDefinition)
	}

	defs := make([]Definition, 0, len(specs))
	for _, s := range specs {
		def, err := s.definition(source)
		if err != nil {
			return nil, err
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Supported reports whether path has a definition file extension
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// LoadFile reads and validates the definitions in one file
func LoadFile(path string) ([]Definition, error) {
	if path == "" {
		return nil, fmt.Errorf("pipeline file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	defs, err := Parse(data, filepath.Ext(path), path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Load reads a definition file, or every supported file directly inside a
// directory. Agents defined twice are rejected.
func Load(path string) ([]Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat pipeline path: %w", err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !Supported(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)

	var defs []Definition
	seen := map[string]string{}
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		for _, d := range loaded {
			if prev, dup := seen[d.Agent]; dup {
				return nil, fmt.Errorf("%w: agent %q defined in both %s and %s", ErrInvalidDefinition, d.Agent, prev, f)
			}
			seen[d.Agent] = f
			defs = append(defs, d)
		}
	}

	log.Info().
		Str("path", path).
		Int("files", len(files)).
		Int("pipelines", len(defs)).
		Msg("Loaded pipeline definitions")

	return defs, nil
}
