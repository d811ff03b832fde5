package mode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrInvalidGraph = errors.New("invalid transition graph")

// Graph maps each mode to the set of modes reachable from it in one step.
// The zero value allows no transitions.
type Graph struct {
	edges map[Mode]map[Mode]struct{}
}

// DefaultGraph allows forward progression and explicit regression between
// every pair of neighbouring workflow states, plus unpublishing and
// unarchiving straight back to draft.
func DefaultGraph() Graph {
	return NewGraph(map[Mode][]Mode{
		Draft:        {Review, Published, ArchivedRead},
		Review:       {Draft, Published},
		Published:    {Draft, Review, ArchivedRead},
		ArchivedRead: {Draft, Published},
	})
}

// NewGraph copies the adjacency table. Use Validate to reject unknown modes
// or self edges.
func NewGraph(adjacency map[Mode][]Mode) Graph {
	g := Graph{edges: make(map[Mode]map[Mode]struct{}, len(adjacency))}
	for from, targets := range adjacency {
		set := make(map[Mode]struct{}, len(targets))
		for _, to := range targets {
			set[to] = struct{}{}
		}
		g.edges[from] = set
	}
	return g
}

// ParseGraph reads a policy string of the form
// "draft:review,published;review:draft,published".
// Mode names go through Parse, so legacy names are accepted.
func ParseGraph(policy string) (Graph, error) {
	adjacency := make(map[Mode][]Mode)
	for _, clause := range strings.Split(policy, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		fromRaw, targetsRaw, ok := strings.Cut(clause, ":")
		if !ok {
			return Graph{}, fmt.Errorf("%w: clause %q has no ':'", ErrInvalidGraph, clause)
		}
		from, err := Parse(fromRaw)
		if err != nil {
			return Graph{}, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
		}
		for _, raw := range strings.Split(targetsRaw, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			to, err := Parse(raw)
			if err != nil {
				return Graph{}, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
			}
			adjacency[from] = append(adjacency[from], to)
		}
		if _, seen := adjacency[from]; !seen {
			adjacency[from] = nil
		}
	}
	g := NewGraph(adjacency)
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	return g, nil
}

func (g Graph) Validate() error {
	for from, targets := range g.edges {
		if !from.Valid() {
			return fmt.Errorf("%w: unknown source mode %q", ErrInvalidGraph, from)
		}
		for to := range targets {
			if !to.Valid() {
				return fmt.Errorf("%w: unknown target mode %q", ErrInvalidGraph, to)
			}
			if to == from {
				return fmt.Errorf("%w: self edge on %q", ErrInvalidGraph, from)
			}
		}
	}
	return nil
}

func (g Graph) CanTransition(from, to Mode) bool {
	targets, ok := g.edges[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// IsEditable is a convenience over Mode.Editable so callers holding only the
// graph can answer both policy questions.
func (g Graph) IsEditable(m Mode) bool {
	return m.Editable()
}

// Targets lists the modes reachable from the given mode in workflow order.
func (g Graph) Targets(from Mode) []Mode {
	targets := g.edges[from]
	out := make([]Mode, 0, len(targets))
	for to := range targets {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rank() < out[j].rank() })
	return out
}

// String renders the graph in the same syntax ParseGraph accepts.
func (g Graph) String() string {
	clauses := make([]string, 0, len(g.edges))
	for _, from := range ordered {
		targets := g.Targets(from)
		if _, ok := g.edges[from]; !ok {
			continue
		}
		names := make([]string, len(targets))
		for i, to := range targets {
			names[i] = string(to)
		}
		clauses = append(clauses, string(from)+":"+strings.Join(names, ","))
	}
	return strings.Join(clauses, ";")
}
