package swarm

import (
	"fmt"

	"github.com/meridianhq/meridian/internal/apperr"
)

// validateDAG checks agent-name uniqueness, that every dependency refers to
// a known agent, and that the dependency graph is acyclic, per
// SPEC_FULL.md §4.5's Creation validation steps 1-3.
func validateDAG(names []string, dependsOn map[string][]string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("%w: duplicate agent name %q", apperr.ErrValidation, n)
		}
		seen[n] = true
	}

	for n, deps := range dependsOn {
		for _, d := range deps {
			if !seen[d] {
				return fmt.Errorf("%w: agent %q depends on unknown agent %q", apperr.ErrValidation, n, d)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var path []string
	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		path = append(path, n)
		for _, d := range dependsOn[n] {
			switch color[d] {
			case gray:
				cycle := append(append([]string{}, path...), d)
				return fmt.Errorf("%w: %v", apperr.ErrCyclicDependency, cycle)
			case white:
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}
	for _, n := range names {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// levels computes, for every agent id, its longest-path-from-a-root level
// (roots are agents with no predecessors, level 0), per SPEC_FULL.md §4.5's
// DAG utilities.
func levels(agentIDs []string, predecessorsOf map[string][]string) map[string]int {
	memo := make(map[string]int, len(agentIDs))
	var level func(id string) int
	level = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		preds := predecessorsOf[id]
		if len(preds) == 0 {
			memo[id] = 0
			return 0
		}
		max := 0
		for _, p := range preds {
			if l := level(p); l+1 > max {
				max = l + 1
			}
		}
		memo[id] = max
		return max
	}
	for _, id := range agentIDs {
		level(id)
	}
	return memo
}

// criticalPath returns the longest fully-ordered chain of agent ids (by
// predecessor edges), for DAG presentation.
func criticalPath(agentIDs []string, predecessorsOf map[string][]string) []string {
	lvl := levels(agentIDs, predecessorsOf)

	var deepest string
	deepestLevel := -1
	for _, id := range agentIDs {
		if lvl[id] > deepestLevel {
			deepestLevel = lvl[id]
			deepest = id
		}
	}
	if deepest == "" {
		return nil
	}

	chain := []string{deepest}
	cur := deepest
	for {
		preds := predecessorsOf[cur]
		if len(preds) == 0 {
			break
		}
		best := preds[0]
		for _, p := range preds[1:] {
			if lvl[p] > lvl[best] {
				best = p
			}
		}
		chain = append(chain, best)
		cur = best
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
