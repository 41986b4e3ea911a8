// File: internal/plan/load.go
// Brief: Plan file loading and compilation.

package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/secrets"
	"github.com/example/rollctl/internal/trust"
)

const planAPIVersion = "rollctl.dev/plan/v1"

// File is the on-disk shape of a rollout plan.
type File struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`
	Name       string `yaml:"name,omitempty"`

	Stacks  []*Stack             `yaml:"stacks"`
	Secrets []secrets.Binding    `yaml:"secrets,omitempty"`
	Trust   []trust.Relationship `yaml:"trust,omitempty"`
	Probes  []probe.Spec         `yaml:"probes,omitempty"`
}

// Load reads and compiles a plan file for the given environment.
func Load(path, environment string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &ErrPlanInvalid{Err: fmt.Errorf("parse %s: %w", path, err)}
	}
	if file.APIVersion != "" && file.APIVersion != planAPIVersion {
		return nil, invalid("unsupported apiVersion %q (expected %s)", file.APIVersion, planAPIVersion)
	}
	return Compile(file, environment)
}

// Compile validates the declared stacks, bindings, relationships, and
// probes, detects cycles, and produces the immutable plan for one run.
// The environment name namespaces the provider-side stack names.
func Compile(file File, environment string) (*Plan, error) {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return nil, invalid("environment name is required")
	}
	if len(file.Stacks) == 0 {
		return nil, invalid("plan declares no stacks")
	}

	p := &Plan{
		Name:        strings.TrimSpace(file.Name),
		Environment: environment,
		Stacks:      file.Stacks,
		ByName:      make(map[string]*Stack, len(file.Stacks)),
		Secrets:     file.Secrets,
		Trust:       file.Trust,
		Probes:      file.Probes,
	}
	for i, s := range p.Stacks {
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return nil, invalid("stack %d has no name", i)
		}
		s.declIndex = i
		s.RemoteName = fmt.Sprintf("%s-%s", s.Name, environment)
		if _, dup := p.ByName[s.Name]; dup {
			return nil, invalid("stack %q declared more than once", s.Name)
		}
		p.ByName[s.Name] = s
	}

	if err := assignExecutionGroups(p.Stacks); err != nil {
		return nil, err
	}
	p.Waves = computeWaves(p.Stacks)
	for _, wave := range p.Waves {
		p.Order = append(p.Order, wave...)
	}
	p.graph = buildGraph(p.Stacks)

	for _, b := range p.Secrets {
		if err := b.Validate(); err != nil {
			return nil, &ErrPlanInvalid{Err: err}
		}
		if _, ok := p.ByName[b.SourceStack]; !ok {
			return nil, invalid("secret binding %s references unknown stack %q", b.SecretID, b.SourceStack)
		}
	}
	for _, rel := range p.Trust {
		if err := rel.Validate(); err != nil {
			return nil, &ErrPlanInvalid{Err: err}
		}
	}
	for _, spec := range p.Probes {
		if err := spec.Validate(); err != nil {
			return nil, &ErrPlanInvalid{Err: err}
		}
	}
	return p, nil
}
