package state

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

// Static serves a fixed state snapshot. Useful for development and for
// deployments whose world is described by a checked-in file.
type Static struct {
	state workflow.State
}

func NewStatic(s workflow.State) *Static {
	return &Static{state: s}
}

func (s *Static) Resolve(context.Context) (workflow.State, error) {
	return s.state, nil
}

type fileDoc struct {
	UseCases map[string]fileState `yaml:"use_cases"`
}

type fileState struct {
	Users     []string    `yaml:"users"`
	Domains   []string    `yaml:"domains"`
	Datasets  []fileAsset `yaml:"datasets"`
	Functions []fileAsset `yaml:"functions"`
}

type fileAsset struct {
	Name   string   `yaml:"name"`
	Access []string `yaml:"access"`
}

// LoadFile binds one static resolver per use case described in a YAML
// document into reg.
func LoadFile(path string, reg *Registry) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse state file %s: %w", path, err)
	}
	if len(doc.UseCases) == 0 {
		return fmt.Errorf("state file %s declares no use cases", path)
	}
	for useCase, fs := range doc.UseCases {
		st := workflow.State{
			Users:   fs.Users,
			Domains: fs.Domains,
		}
		for _, d := range fs.Datasets {
			for _, u := range d.Access {
				st.AssetAccess = append(st.AssetAccess, workflow.AccessEntry{Asset: d.Name, User: u})
			}
		}
		for _, f := range fs.Functions {
			st.Code = append(st.Code, f.Name)
			for _, u := range f.Access {
				st.AssetAccess = append(st.AssetAccess, workflow.AccessEntry{Asset: f.Name, User: u})
			}
		}
		reg.Bind(useCase, NewStatic(st))
	}
	return nil
}
