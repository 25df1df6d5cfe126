package chattree

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/treebot/internal/domain"
)

func ptr(s string) *string { return &s }

func row(id string, parent *string, title *string) domain.ConversationRow {
	return domain.ConversationRow{ID: id, ParentID: parent, Title: title}
}

func TestBuild_NestsAndDefaultsTitle(t *testing.T) {
	rows := []domain.ConversationRow{
		row("a", nil, ptr("Root")),
		row("b", ptr("a"), nil),
		row("c", ptr("b"), ptr("Leaf")),
		row("d", ptr("a"), ptr("Sibling")),
	}
	roots := Build(rows)

	require.Len(t, roots, 1)
	require.Equal(t, "Root", roots[0].Title)
	require.Len(t, roots[0].Children, 2)
	require.Equal(t, "b", roots[0].Children[0].ID)
	require.Equal(t, UntitledPlaceholder, roots[0].Children[0].Title)
	require.Equal(t, "c", roots[0].Children[0].Children[0].ID)
	require.Equal(t, "d", roots[0].Children[1].ID)
	require.NotNil(t, roots[0].Children[1].Children)
}

func TestBuild_PromotesOrphans(t *testing.T) {
	rows := []domain.ConversationRow{
		row("x", ptr("someone-elses"), ptr("Orphan")),
		row("y", ptr("x"), nil),
		row("z", nil, nil),
	}
	roots := Build(rows)

	require.Len(t, roots, 2)
	require.Equal(t, "x", roots[0].ID)
	require.Equal(t, "z", roots[1].ID)
	require.Equal(t, "y", roots[0].Children[0].ID)
}

func TestBuild_EveryRowAppearsOnce(t *testing.T) {
	var rows []domain.ConversationRow
	for i := 0; i < 200; i++ {
		var parent *string
		switch {
		case i%7 == 0:
			parent = ptr("missing")
		case i > 0:
			parent = ptr(fmt.Sprintf("n%d", i/3))
		}
		rows = append(rows, row(fmt.Sprintf("n%d", i), parent, nil))
	}
	require.Equal(t, len(rows), Count(Build(rows)))
}

func TestBuild_Empty(t *testing.T) {
	roots := Build(nil)
	require.NotNil(t, roots)
	require.Empty(t, roots)
}

func TestDescendants_CollectsSubtreeOnly(t *testing.T) {
	rows := []domain.ConversationRow{
		row("root", nil, nil),
		row("a", ptr("root"), nil),
		row("a1", ptr("a"), nil),
		row("a2", ptr("a"), nil),
		row("b", ptr("root"), nil),
		row("other", nil, nil),
		row("other-child", ptr("other"), nil),
	}

	got := Descendants(rows, "a")
	require.Equal(t, "a", got[0])
	sort.Strings(got)
	require.Equal(t, []string{"a", "a1", "a2"}, got)

	all := Descendants(rows, "root")
	sort.Strings(all)
	require.Equal(t, []string{"a", "a1", "a2", "b", "root"}, all)
}

func TestDescendants_UnknownRoot(t *testing.T) {
	require.Nil(t, Descendants([]domain.ConversationRow{row("a", nil, nil)}, "zzz"))
}

func TestDescendants_DeepChainDoesNotRecurse(t *testing.T) {
	const depth = 100000
	rows := make([]domain.ConversationRow, 0, depth)
	rows = append(rows, row("n0", nil, nil))
	for i := 1; i < depth; i++ {
		rows = append(rows, row(fmt.Sprintf("n%d", i), ptr(fmt.Sprintf("n%d", i-1)), nil))
	}
	require.Len(t, Descendants(rows, "n0"), depth)
}

func TestDescendants_CycleTerminates(t *testing.T) {
	rows := []domain.ConversationRow{
		row("a", ptr("b"), nil),
		row("b", ptr("a"), nil),
	}
	got := Descendants(rows, "a")
	sort.Strings(got)
	require.Equal(t, []string{"a", "b"}, got)
}
