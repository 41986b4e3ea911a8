// File: internal/plan/types.go
// Brief: Stack descriptors and the compiled deployment plan.

package plan

import (
	"github.com/example/rollctl/internal/probe"
	"github.com/example/rollctl/internal/secrets"
	"github.com/example/rollctl/internal/trust"
)

// Status is the lifecycle of one stack within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusDeployed  Status = "deployed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is an end state for a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeployed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Stack is one independently deployable unit of infrastructure.
type Stack struct {
	Name       string            `yaml:"name" json:"name"`
	DependsOn  []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Template   string            `yaml:"template,omitempty" json:"template,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Tags       map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// RemoteName is the provider-side stack name, namespaced with the
	// environment suffix at compile time.
	RemoteName string `yaml:"-" json:"remoteName,omitempty"`
	// ExecutionGroup is the zero-based wave this stack deploys in.
	ExecutionGroup int `yaml:"-" json:"executionGroup"`
	// declIndex preserves declaration order for stable tie-breaks.
	declIndex int
}

// Plan is the compiled, immutable deployment plan for one environment.
type Plan struct {
	Name        string
	Environment string

	Stacks []*Stack
	ByName map[string]*Stack
	// Order is the deterministic topological order of stack names.
	Order []string
	// Waves groups stack names by execution group; waves run strictly in
	// sequence, members of one wave may run concurrently.
	Waves [][]string

	Secrets []secrets.Binding
	Trust   []trust.Relationship
	Probes  []probe.Spec

	graph *Graph
}

// DependentsOf returns every stack that transitively depends on name.
func (p *Plan) DependentsOf(name string) []string {
	if p.graph == nil {
		return nil
	}
	return p.graph.DependentsOf(name)
}
