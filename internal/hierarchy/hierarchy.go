// Package hierarchy arranges a flat activity list into the grouped
// view: activities sharing an external id form a group whose first
// member acts as the parent row and the rest as children.
package hierarchy

import (
	"sort"
	"strconv"

	"worksite/api/internal/store"
)

// Group is one rendered block. For a single-member group Standalone is
// true and Parent holds that member; otherwise Parent is the first
// member in input order and Children the rest, order preserved.
type Group struct {
	ExternalID string
	Standalone bool
	Parent     store.Activity
	Children   []store.Activity
}

// Title is the heading for the group. The parent's name wins; when the
// group carries a summary-flagged member that name is used as a
// fallback for parents without one.
func (g Group) Title() string {
	if g.Parent.Name != "" {
		return g.Parent.Name
	}
	for _, c := range g.Children {
		if c.IsSummary() && c.Name != "" {
			return c.Name
		}
	}
	return "Group " + g.ExternalID
}

// Size is the number of activities in the group.
func (g Group) Size() int {
	if g.Standalone {
		return 1
	}
	return 1 + len(g.Children)
}

// Build groups list by external id. Input order decides which member
// becomes the parent; group order is numeric-aware on the external id
// so "2" sorts before "10".
func Build(list []store.Activity) []Group {
	byID := make(map[string][]store.Activity)
	var order []string
	for _, a := range list {
		if _, seen := byID[a.ExternalID]; !seen {
			order = append(order, a.ExternalID)
		}
		byID[a.ExternalID] = append(byID[a.ExternalID], a)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return lessExternalID(order[i], order[j])
	})

	groups := make([]Group, 0, len(order))
	for _, id := range order {
		members := byID[id]
		if len(members) == 1 {
			groups = append(groups, Group{ExternalID: id, Standalone: true, Parent: members[0]})
			continue
		}
		groups = append(groups, Group{ExternalID: id, Parent: members[0], Children: members[1:]})
	}
	return groups
}

func lessExternalID(a, b string) bool {
	na, erra := strconv.Atoi(a)
	nb, errb := strconv.Atoi(b)
	switch {
	case erra == nil && errb == nil:
		return na < nb
	case erra == nil:
		return true
	case errb == nil:
		return false
	default:
		return a < b
	}
}
