// Package taskconfig loads the declarative task catalog described in
// spec.md §3 ("Task definition") and §6 ("Configuration layout"): one JSON
// file per task type under a config directory, plus task_master.json
// naming which generators are enabled for the regular and verification
// phases.
package taskconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cuemby/beacon/pkg/types"
)

var validate = validator.New()

// Master is the parsed task_master.json: which task definitions are
// enabled for each phase.
type Master struct {
	Regular      []string `json:"regular" validate:"required"`
	Verification []string `json:"verification" validate:"required"`
}

// Catalog holds every loaded TaskDefinition, keyed by name, plus the
// master phase enablement lists.
type Catalog struct {
	Definitions map[string]*types.TaskDefinition
	Master      Master
}

// Load reads every *.json file under dir (recursing one level into
// subdirectories such as websocket/, per spec.md §6) as a TaskDefinition,
// plus dir/task_master.json as the Master, validating both.
func Load(dir string) (*Catalog, error) {
	cat := &Catalog{Definitions: make(map[string]*types.TaskDefinition)}

	masterPath := filepath.Join(dir, "task_master.json")
	masterData, err := os.ReadFile(masterPath)
	if err != nil {
		return nil, fmt.Errorf("reading task_master.json: %w", err)
	}
	if err := json.Unmarshal(masterData, &cat.Master); err != nil {
		return nil, fmt.Errorf("parsing task_master.json: %w", err)
	}
	if err := validate.Struct(cat.Master); err != nil {
		return nil, fmt.Errorf("validating task_master.json: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading task config dir %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
			if err := loadDir(filepath.Join(dir, name), cat); err != nil {
				return nil, err
			}
		case strings.HasSuffix(name, ".json") && name != "task_master.json":
			if err := loadFile(filepath.Join(dir, name), cat); err != nil {
				return nil, err
			}
		}
	}

	if err := cat.validateMaster(); err != nil {
		return nil, err
	}
	return cat, nil
}

func loadDir(dir string, cat *Catalog) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading task config dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := loadFile(filepath.Join(dir, e.Name()), cat); err != nil {
			return err
		}
	}
	return nil
}

func loadFile(path string, cat *Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var def types.TaskDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := validate.Struct(&def); err != nil {
		return fmt.Errorf("validating %s: %w", path, err)
	}
	cat.Definitions[def.Name] = &def
	return nil
}

// validateMaster ensures every name listed in task_master.json resolves
// to a loaded TaskDefinition.
func (c *Catalog) validateMaster() error {
	for _, name := range append(append([]string{}, c.Master.Regular...), c.Master.Verification...) {
		if _, ok := c.Definitions[name]; !ok {
			return fmt.Errorf("task_master.json references unknown task %q", name)
		}
	}
	return nil
}

// EnabledFor returns the task definitions enabled for phase, in the order
// task_master.json lists them.
func (c *Catalog) EnabledFor(phase types.Phase) []*types.TaskDefinition {
	var names []string
	switch phase {
	case types.PhaseRegular:
		names = c.Master.Regular
	case types.PhaseVerification:
		names = c.Master.Verification
	}
	out := make([]*types.TaskDefinition, 0, len(names))
	for _, n := range names {
		if def, ok := c.Definitions[n]; ok {
			out = append(out, def)
		}
	}
	return out
}
