package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type SplitType string

const (
	SplitAll            SplitType = "all"
	SplitTrainTest      SplitType = "train_test"
	SplitTrainTestVal   SplitType = "train_test_val"
	SplitTrainTestVal80 SplitType = "train_test_val_80"
)

var (
	AllSplitDefinition = []DatasetSplitDefinition{
		{Name: "all", Percentage: 1.0},
	}
	Train80Test20SplitDefinition = []DatasetSplitDefinition{
		{Name: "train", Percentage: 0.8},
		{Name: "test", Percentage: 0.2},
	}
	Train60Test20Val20SplitDefinition = []DatasetSplitDefinition{
		{Name: "train", Percentage: 0.6},
		{Name: "test", Percentage: 0.2},
		{Name: "val", Percentage: 0.2},
	}
	Train80Test10Val10SplitDefinition = []DatasetSplitDefinition{
		{Name: "train", Percentage: 0.8},
		{Name: "test", Percentage: 0.1},
		{Name: "val", Percentage: 0.1},
	}
)

// Presets maps split type names to the definitions they expand to.
type Presets map[SplitType][]DatasetSplitDefinition

func DefaultPresets() Presets {
	return Presets{
		SplitAll:            AllSplitDefinition,
		SplitTrainTest:      Train80Test20SplitDefinition,
		SplitTrainTestVal:   Train60Test20Val20SplitDefinition,
		SplitTrainTestVal80: Train80Test10Val10SplitDefinition,
	}
}

func (p Presets) Lookup(name string) ([]DatasetSplitDefinition, error) {
	defs, ok := p[SplitType(name)]
	if !ok {
		return nil, ValidationError{reason: fmt.Errorf("unknown dataset split type '%s'", name)}
	}
	return append([]DatasetSplitDefinition(nil), defs...), nil
}

func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

type presetsFile struct {
	Presets map[string][]DatasetSplitDefinition `yaml:"presets"`
}

// LoadPresets reads extra split types from a YAML file and merges them over the
// defaults. An empty path returns the defaults.
func LoadPresets(path string) (Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var file presetsFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing split presets: %w", err)
	}
	for name, defs := range file.Presets {
		if err := ValidateSplits(defs); err != nil {
			return nil, fmt.Errorf("preset '%s': %w", name, err)
		}
		presets[SplitType(name)] = defs
	}
	return presets, nil
}
