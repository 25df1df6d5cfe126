// Package chattree turns a user's flat conversation rows into the nested
// forest shown in the sidebar and computes descendant sets for cascade delete.
package chattree

import "github.com/tbourn/treebot/internal/domain"

// UntitledPlaceholder is shown for conversations whose title is not generated yet.
const UntitledPlaceholder = "Untitled"

// Node is one conversation in the rendered forest.
type Node struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Children []*Node `json:"children"`
}

// Build materializes one node per row, then attaches each node to its parent
// when the parent is present. Rows whose parent is missing (deleted, or owned
// by someone else) become roots, so every row appears exactly once. Input
// order is preserved among siblings and roots.
func Build(rows []domain.ConversationRow) []*Node {
	nodes := make(map[string]*Node, len(rows))
	for _, r := range rows {
		title := UntitledPlaceholder
		if r.Title != nil {
			title = *r.Title
		}
		nodes[r.ID] = &Node{ID: r.ID, Title: title, Children: []*Node{}}
	}

	roots := make([]*Node, 0)
	for _, r := range rows {
		n := nodes[r.ID]
		if r.ParentID != nil && *r.ParentID != r.ID {
			if p, ok := nodes[*r.ParentID]; ok {
				p.Children = append(p.Children, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}

// Count returns the number of nodes reachable from roots. It walks with an
// explicit stack and a visited set so malformed input cannot loop forever.
func Count(roots []*Node) int {
	seen := make(map[*Node]struct{})
	stack := append([]*Node(nil), roots...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		stack = append(stack, n.Children...)
	}
	return len(seen)
}

// Descendants returns rootID followed by every id reachable from it through
// parent pointers in rows. It returns nil when rootID is not among rows.
func Descendants(rows []domain.ConversationRow, rootID string) []string {
	children := make(map[string][]string, len(rows))
	found := false
	for _, r := range rows {
		if r.ID == rootID {
			found = true
		}
		if r.ParentID != nil {
			children[*r.ParentID] = append(children[*r.ParentID], r.ID)
		}
	}
	if !found {
		return nil
	}

	out := make([]string, 0, 1)
	seen := map[string]struct{}{rootID: {}}
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)
		for _, child := range children[id] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			stack = append(stack, child)
		}
	}
	return out
}
