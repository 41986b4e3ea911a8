// File: internal/plan/dag.go
// Brief: DAG validation and stable wave assignment.

package plan

import (
	"fmt"
	"sort"
	"strings"
)

// ErrPlanInvalid wraps every pre-flight plan failure so callers can map it
// to the invalid-plan exit code without string matching.
type ErrPlanInvalid struct {
	Err error
}

func (e *ErrPlanInvalid) Error() string { return fmt.Sprintf("invalid plan: %v", e.Err) }
func (e *ErrPlanInvalid) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return &ErrPlanInvalid{Err: fmt.Errorf(format, args...)}
}

// assignExecutionGroups performs a Kahn walk over the dependency graph,
// assigning each stack the wave in which it becomes eligible. Ties within a
// wave keep declaration order so re-runs are reproducible.
func assignExecutionGroups(stacks []*Stack) error {
	byName := make(map[string]*Stack, len(stacks))
	for _, s := range stacks {
		if _, dup := byName[s.Name]; dup {
			return invalid("stack %q declared more than once", s.Name)
		}
		byName[s.Name] = s
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, s := range stacks {
		inDegree[s.Name] = 0
	}
	for _, s := range stacks {
		for _, depName := range s.DependsOn {
			dep, ok := byName[depName]
			if !ok {
				return invalid("stack %s depends on missing stack %q", s.Name, depName)
			}
			if dep.Name == s.Name {
				return invalid("stack %s depends on itself", s.Name)
			}
			inDegree[s.Name]++
			dependents[dep.Name] = append(dependents[dep.Name], s.Name)
		}
	}

	byDecl := func(names []string) {
		sort.Slice(names, func(i, j int) bool {
			return byName[names[i]].declIndex < byName[names[j]].declIndex
		})
	}

	ready := make([]string, 0, len(stacks))
	for _, s := range stacks {
		if inDegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	byDecl(ready)

	group := 0
	assigned := 0
	for len(ready) > 0 {
		wave := append([]string(nil), ready...)
		ready = ready[:0]
		for _, name := range wave {
			byName[name].ExecutionGroup = group
			assigned++
		}
		for _, name := range wave {
			for _, depName := range dependents[name] {
				inDegree[depName]--
				if inDegree[depName] == 0 {
					ready = append(ready, depName)
				}
			}
		}
		byDecl(ready)
		group++
	}
	if assigned != len(stacks) {
		var stuck []string
		for _, s := range stacks {
			if inDegree[s.Name] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		sort.Strings(stuck)
		if cycle := findCyclePath(stuck, dependents, inDegree); len(cycle) > 0 {
			return invalid("dependency cycle detected: %s", strings.Join(append(cycle, cycle[0]), " -> "))
		}
		return invalid("dependency cycle detected (%d stacks): %v", len(stuck), stuck)
	}
	return nil
}

func findCyclePath(stuck []string, dependents map[string][]string, inDegree map[string]int) []string {
	// Build deps from dependents (reverse edge: dep -> dependent).
	deps := map[string][]string{}
	for dep, outs := range dependents {
		for _, to := range outs {
			deps[to] = append(deps[to], dep)
		}
	}
	stuckSet := map[string]struct{}{}
	for _, name := range stuck {
		stuckSet[name] = struct{}{}
	}
	vis := map[string]bool{}
	onStack := map[string]bool{}
	var stack []string
	var cycle []string
	var dfs func(string) bool
	dfs = func(name string) bool {
		if _, ok := stuckSet[name]; !ok {
			return false
		}
		vis[name] = true
		onStack[name] = true
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if _, ok := stuckSet[dep]; !ok {
				continue
			}
			if !vis[dep] {
				if dfs(dep) {
					return true
				}
				continue
			}
			if onStack[dep] {
				idx := -1
				for i := range stack {
					if stack[i] == dep {
						idx = i
						break
					}
				}
				if idx >= 0 {
					cycle = append([]string(nil), stack[idx:]...)
				} else {
					cycle = []string{dep, name}
				}
				return true
			}
		}
		onStack[name] = false
		stack = stack[:len(stack)-1]
		return false
	}
	for _, name := range stuck {
		if inDegree[name] <= 0 || vis[name] {
			continue
		}
		if dfs(name) {
			break
		}
	}
	return cycle
}

// computeWaves collects stack names per execution group after assignment.
func computeWaves(stacks []*Stack) [][]string {
	maxGroup := -1
	for _, s := range stacks {
		if s.ExecutionGroup > maxGroup {
			maxGroup = s.ExecutionGroup
		}
	}
	waves := make([][]string, maxGroup+1)
	for _, s := range stacks {
		waves[s.ExecutionGroup] = append(waves[s.ExecutionGroup], s.Name)
	}
	return waves
}
