// File: internal/plan/graph.go
// Brief: Dependency graph expansion for failure propagation.

package plan

import "sort"

// Graph holds the direct dependency edges of a compiled plan.
type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
}

func buildGraph(stacks []*Stack) *Graph {
	g := &Graph{
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	for _, s := range stacks {
		for _, depName := range s.DependsOn {
			g.deps[s.Name] = append(g.deps[s.Name], depName)
			g.dependents[depName] = append(g.dependents[depName], s.Name)
		}
	}
	for k := range g.deps {
		sort.Strings(g.deps[k])
	}
	for k := range g.dependents {
		sort.Strings(g.dependents[k])
	}
	return g
}

// DependentsOf returns every stack transitively depending on name, sorted.
func (g *Graph) DependentsOf(name string) []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range g.dependents[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}
