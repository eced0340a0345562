package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atmx/protect-engine/internal/model"
)

// baselineFile is the YAML shape of the static baseline configuration:
//
//	equity:
//	  stop_loss_pct: 0.4
//	  take_profit_pct: 1.0
//	derivative:
//	  stop_loss_pct: 0.8
//	  take_profit_pct: 2.0
type baselineFile struct {
	Equity     *Layer `yaml:"equity"`
	Derivative *Layer `yaml:"derivative"`
}

// LoadBaseline reads the static per-class baseline layers from a YAML file
// and installs them into store. A missing file is not an error; the
// resolver simply falls through to hard defaults.
func LoadBaseline(path string, store *MemoryStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read baseline %s: %w", path, err)
	}

	var file baselineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse baseline %s: %w", path, err)
	}

	if file.Equity != nil {
		store.SetBaseline(model.Equity, *file.Equity)
	}
	if file.Derivative != nil {
		store.SetBaseline(model.Derivative, *file.Derivative)
	}
	return nil
}
