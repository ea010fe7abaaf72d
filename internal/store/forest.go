package store

import (
	"context"
	"fmt"
)

// BuildForest assembles flat branch rows into root trees with derived
// Children. It is permissive: a branch whose parent is missing from the
// input is promoted to a root rather than dropped, so a partially loaded
// tree still renders. Input order is preserved among siblings and roots.
func BuildForest(branches []Branch) []*Branch {
	nodes := make(map[string]*Branch, len(branches))
	ordered := make([]*Branch, 0, len(branches))
	for i := range branches {
		b := branches[i]
		b.Children = nil
		nodes[b.BranchID] = &b
		ordered = append(ordered, &b)
	}

	var roots []*Branch
	for _, b := range ordered {
		if b.ParentBranchID != nil {
			if parent, ok := nodes[*b.ParentBranchID]; ok && parent != b {
				parent.Children = append(parent.Children, b)
				continue
			}
		}
		roots = append(roots, b)
	}
	return roots
}

// BranchPath returns the ancestor chain from the root down to the given
// branch, inclusive. A parent cycle in the data aborts with an error
// instead of looping.
func (s *sqliteStore) BranchPath(ctx context.Context, branchID string) ([]Branch, error) {
	seen := make(map[string]bool)
	var path []Branch

	id := branchID
	for {
		if seen[id] {
			return nil, fmt.Errorf("branch %s: parent cycle detected", branchID)
		}
		seen[id] = true

		b, err := s.GetBranch(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append(path, b)
		if b.ParentBranchID == nil {
			break
		}
		id = *b.ParentBranchID
	}

	// Walked leaf-to-root; callers want root first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}
