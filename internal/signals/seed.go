package signals

import (
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-engine/internal/model"
)

//go:embed seed.yaml
var defaultSeed []byte

type seedFile struct {
	Signals map[string]map[string]seedSignal `yaml:"signals"`
}

type seedSignal struct {
	Description string  `yaml:"description"`
	Points      float64 `yaml:"points"`
}

// DefaultSeed returns the embedded default signal definitions.
func DefaultSeed() ([]model.SignalDefinition, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeedFile reads signal definitions from a YAML file grouped by category.
// An empty path returns the embedded defaults.
func LoadSeedFile(path string) ([]model.SignalDefinition, error) {
	if path == "" {
		return DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "signals: read seed %s", path)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document. Signal ids must be unique across categories.
func ParseSeed(data []byte) ([]model.SignalDefinition, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "signals: parse seed")
	}

	seen := make(map[string]string)
	var defs []model.SignalDefinition
	for category, group := range f.Signals {
		for id, s := range group {
			if prev, ok := seen[id]; ok {
				return nil, model.NewValidationError("seed", "signal "+id+" defined in both "+prev+" and "+category)
			}
			seen[id] = category
			defs = append(defs, model.SignalDefinition{
				ID:          id,
				Category:    category,
				Description: s.Description,
				Weight:      s.Points,
			})
		}
	}
	if len(defs) == 0 {
		return nil, model.NewValidationError("seed", "no signals defined")
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}
