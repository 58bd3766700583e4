package rbac

import "context"

// FilterVisible returns the pages user may read, in their original order.
// Private pages are resolved with a single ResolveBatch call; admins,
// guests and all-public inputs never reach the store.
func (r *Resolver) FilterVisible(ctx context.Context, user User, pages []Page) ([]Page, error) {
	if user.IsAdmin() {
		return append([]Page(nil), pages...), nil
	}

	var private []int64
	if !user.IsGuest() {
		for _, p := range pages {
			if !p.IsPublic {
				private = append(private, p.ID)
			}
		}
	}

	var levels map[int64]Level
	if len(private) > 0 {
		var err error
		levels, err = r.ResolveBatch(ctx, user.ID, private)
		if err != nil {
			return nil, err
		}
	}

	visible := make([]Page, 0, len(pages))
	for _, p := range pages {
		if p.IsPublic || levels[p.ID] != LevelNone {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// TreeNode is a visible page with its visible descendants.
type TreeNode struct {
	Page     Page
	Children []*TreeNode
}

// PruneTree filters pages like FilterVisible and arranges the survivors as
// a forest. A visible page whose parent is hidden hangs under its nearest
// visible ancestor, or becomes a root. Sibling order follows input order.
func (r *Resolver) PruneTree(ctx context.Context, user User, pages []Page) ([]*TreeNode, error) {
	visible, err := r.FilterVisible(ctx, user, pages)
	if err != nil {
		return nil, err
	}

	parents := make(map[int64]*int64, len(pages))
	for _, p := range pages {
		parents[p.ID] = p.ParentID
	}
	nodes := make(map[int64]*TreeNode, len(visible))
	for _, p := range visible {
		nodes[p.ID] = &TreeNode{Page: p}
	}

	roots := make([]*TreeNode, 0)
	for _, p := range visible {
		node := nodes[p.ID]
		if parent := nearestVisibleAncestor(p.ID, parents, nodes); parent != nil {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func nearestVisibleAncestor(id int64, parents map[int64]*int64, nodes map[int64]*TreeNode) *TreeNode {
	seen := map[int64]struct{}{id: {}}
	current := parents[id]
	for current != nil {
		if _, loop := seen[*current]; loop {
			return nil
		}
		seen[*current] = struct{}{}
		if node, ok := nodes[*current]; ok {
			return node
		}
		current = parents[*current]
	}
	return nil
}
