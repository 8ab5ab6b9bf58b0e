package routine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Table is the on-disk form: a list of routines.
type Table struct {
	Routines []Routine `yaml:"routines"`
}

// LoadTable reads a YAML step table.
func LoadTable(path string) ([]Routine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read step table %s", path)
	}
	return ParseTable(raw)
}

// ParseTable decodes and validates a YAML step table.
func ParseTable(raw []byte) ([]Routine, error) {
	var table Table
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, errors.Wrap(err, "decode step table")
	}
	for i := range table.Routines {
		if err := Validate(table.Routines[i]); err != nil {
			return nil, err
		}
	}
	return table.Routines, nil
}

// LoadDir loads every *.yaml and *.yml file in dir.
func LoadDir(dir string) ([]Routine, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.Wrap(err, "glob step tables")
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	var out []Routine
	for _, f := range files {
		routines, err := LoadTable(f)
		if err != nil {
			return nil, err
		}
		out = append(out, routines...)
	}
	return out, nil
}

// Validate checks a routine for structural mistakes.
func Validate(r Routine) error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return errors.New("routine name is empty")
	}
	if len(r.Steps) == 0 {
		return errors.Errorf("routine %s has no steps", name)
	}
	for i, step := range r.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return errors.Errorf("routine %s step %d has no name", name, i)
		}
		for _, tpl := range step.Templates {
			if err := validateTemplate(tpl); err != nil {
				return errors.Wrapf(err, "routine %s step %s", name, step.Name)
			}
		}
		switch step.Act.Kind {
		case ActNone, ActTap, ActSwipe, ActText, ActKey:
		case ActTapMatch:
			if len(step.Templates) == 0 {
				return errors.Errorf("routine %s step %s taps a match but has no templates", name, step.Name)
			}
		default:
			return errors.Errorf("routine %s step %s: unknown action %q", name, step.Name, step.Act.Kind)
		}
		switch step.OnMiss {
		case "", MissRetry, MissSkip, MissFail:
		default:
			return errors.Errorf("routine %s step %s: unknown miss policy %q", name, step.Name, step.OnMiss)
		}
		if step.Until != nil {
			if len(step.Until.Templates) == 0 {
				return errors.Errorf("routine %s step %s waits without templates", name, step.Name)
			}
			for _, tpl := range step.Until.Templates {
				if err := validateTemplate(tpl); err != nil {
					return errors.Wrapf(err, "routine %s step %s until", name, step.Name)
				}
			}
			switch step.Until.OnTimeout {
			case "", TimeoutFail, TimeoutContinue:
			default:
				return errors.Errorf("routine %s step %s: unknown timeout policy %q", name, step.Name, step.Until.OnTimeout)
			}
		}
	}
	return nil
}

func validateTemplate(tpl Template) error {
	if strings.TrimSpace(tpl.ID) == "" {
		return errors.New("template id is empty")
	}
	if tpl.Threshold <= 0 || tpl.Threshold > 1 {
		return errors.Errorf("template %s threshold %.2f outside (0,1]", tpl.ID, tpl.Threshold)
	}
	return nil
}
