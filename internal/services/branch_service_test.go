package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/repo"
)

func threeTurns(t *testing.T, e *env, userID string) *domain.Conversation {
	t.Helper()
	c := e.seed(t, userID,
		msg("u1", domain.RoleUser, "q1"),
		msg("a1", domain.RoleAssistant, "a1"),
		msg("u2", domain.RoleUser, "q2"),
		msg("a2", domain.RoleAssistant, "a2"),
	)
	if _, err := repo.UpdateTitle(context.Background(), e.db, c.ID, userID, "Source"); err != nil {
		t.Fatalf("title: %v", err)
	}
	return e.reload(t, userID, c.ID)
}

func TestParseIndex(t *testing.T) {
	cases := map[string]Index{
		`2`:     {Value: 2, Valid: true},
		`2.0`:   {Value: 2, Valid: true},
		`-1`:    {Value: -1, Valid: true},
		`1.5`:   {},
		`"1"`:   {},
		`null`:  {},
		``:      {},
		`1e300`: {},
	}
	for in, want := range cases {
		require.Equal(t, want, ParseIndex(json.RawMessage(in)), "input %q", in)
	}
}

func TestFork_TruncatesAndInherits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")

	res, err := e.branch.Fork(ctx, "alice", src.ID, Index{Value: 2, Valid: true}, "")
	require.NoError(t, err)

	child := e.reload(t, "alice", res.ChatID)
	require.Equal(t, src.ID, *child.ParentID)
	require.Equal(t, src.Provider, child.Provider)
	require.Equal(t, src.Model, child.Model)
	require.Equal(t, src.Params(), child.Params())
	require.Equal(t, "Source", *child.Title)
	require.True(t, child.IsFresh())

	msgs, err := child.DecodeMessages()
	require.NoError(t, err)
	srcMsgs, _ := src.DecodeMessages()
	require.Equal(t, srcMsgs[:3], msgs)
}

func TestFork_ValidationOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")

	_, err := e.branch.Fork(ctx, "bob", src.ID, Index{}, "")
	require.ErrorIs(t, err, ErrConversationNotFound)

	_, err = e.branch.Fork(ctx, "alice", src.ID, Index{}, "")
	require.ErrorIs(t, err, ErrInvalidIndex)

	for _, i := range []int{-1, 4} {
		_, err = e.branch.Fork(ctx, "alice", src.ID, Index{Value: i, Valid: true}, "")
		require.ErrorIs(t, err, ErrIndexOutOfRange)
	}

	require.NoError(t, e.db.Model(&domain.Conversation{}).Where("id = ?", src.ID).
		Update("messages", `{"not":"array"}`).Error)
	_, err = e.branch.Fork(ctx, "alice", src.ID, Index{Value: 0, Valid: true}, "")
	require.ErrorIs(t, err, ErrCorruptConversation)

	require.Equal(t, int64(1), e.count(t))
}

func TestFork_IdempotencyKeyReplays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")
	idx := Index{Value: 0, Valid: true}

	first, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-1")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	again, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-1")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.ChatID, again.ChatID)
	require.Equal(t, int64(2), e.count(t))

	other, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-2")
	require.NoError(t, err)
	require.NotEqual(t, first.ChatID, other.ChatID)
}

func TestBranch_IdempotencyKeyBoundToOperation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")
	text := "summary"

	forked, err := e.branch.Fork(ctx, "alice", src.ID, Index{Value: 0, Valid: true}, "k-1")
	require.NoError(t, err)

	// Index 0 is a user message: the key seen by the fork must not mask it.
	_, err = e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 0, Valid: true}, &text, "k-1")
	require.ErrorIs(t, err, ErrNotAssistantMessage)

	handed, err := e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, &text, "k-1")
	require.NoError(t, err)
	require.False(t, handed.Replayed)
	require.NotEqual(t, forked.ChatID, handed.ChatID)

	again, err := e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, &text, "k-1")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, handed.ChatID, again.ChatID)
	require.Equal(t, int64(3), e.count(t))
}

func TestFork_ReplayAfterDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	idx := Index{Value: 0, Valid: true}

	// Deleting the source takes the fork with it: the retry is not_found.
	src := threeTurns(t, e, "alice")
	_, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-1")
	require.NoError(t, err)
	_, err = e.convs.Delete(ctx, "alice", src.ID)
	require.NoError(t, err)
	_, err = e.branch.Fork(ctx, "alice", src.ID, idx, "k-1")
	require.ErrorIs(t, err, ErrConversationNotFound)

	// Deleting only the fork makes the key create a fresh one.
	src = threeTurns(t, e, "alice")
	first, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-2")
	require.NoError(t, err)
	_, err = e.convs.Delete(ctx, "alice", first.ChatID)
	require.NoError(t, err)

	second, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-2")
	require.NoError(t, err)
	require.False(t, second.Replayed)
	require.NotEqual(t, first.ChatID, second.ChatID)

	third, err := e.branch.Fork(ctx, "alice", src.ID, idx, "k-2")
	require.NoError(t, err)
	require.True(t, third.Replayed)
	require.Equal(t, second.ChatID, third.ChatID)
}

func TestHandoffAccept_SingleVerbatimSeed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")
	text := "  Summary of the thread\nwith details  "

	res, err := e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 3, Valid: true}, &text, "")
	require.NoError(t, err)

	child := e.reload(t, "alice", res.ChatID)
	require.Equal(t, src.ID, *child.ParentID)
	require.Equal(t, "Source", *child.Title)
	msgs, err := child.DecodeMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.NotEmpty(t, msgs[0].ID)
	require.Equal(t, text, msgs[0].Text(""))
}

func TestHandoff_RejectsNonAssistantTargetsWithoutCreating(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.setKey(t, "alice", domain.ProviderOpenAI)
	src := threeTurns(t, e, "alice")
	text := "summary"

	_, err := e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 2, Valid: true}, &text, "")
	require.ErrorIs(t, err, ErrNotAssistantMessage)
	_, err = e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 9, Valid: true}, &text, "")
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = e.branch.HandoffAccept(ctx, "alice", src.ID, Index{}, &text, "")
	require.ErrorIs(t, err, ErrInvalidIndex)
	_, err = e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, nil, "")
	require.ErrorIs(t, err, ErrInvalidText)
	blank := " \n "
	_, err = e.branch.HandoffAccept(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, &blank, "")
	require.ErrorIs(t, err, ErrEmptyText)

	_, err = e.branch.HandoffPreview(ctx, "alice", src.ID, Index{Value: 0, Valid: true}, []domain.Message{})
	require.ErrorIs(t, err, ErrNotAssistantMessage)
	_, err = e.branch.HandoffPreview(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, nil)
	require.ErrorIs(t, err, ErrInvalidMessages)

	require.Equal(t, int64(1), e.count(t))
	require.Empty(t, e.chat.generated())
}

func TestHandoffPreview_GeneratesWithoutToolsOrPersistence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := threeTurns(t, e, "alice")
	transcript := []domain.Message{
		msg("u1", domain.RoleUser, "q1"),
		msg("a1", domain.RoleAssistant, "a1"),
		msg("", domain.RoleUser, "Summarize this conversation for a handoff."),
	}

	_, err := e.branch.HandoffPreview(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, transcript)
	require.ErrorIs(t, err, ErrMissingAPIKey)

	e.setKey(t, "alice", domain.ProviderOpenAI)
	e.chat.parts = []domain.Part{
		{Type: domain.PartReasoning, Text: "thinking"},
		{Type: domain.PartText, Text: "Here is the summary."},
	}
	m, err := e.branch.HandoffPreview(ctx, "alice", src.ID, Index{Value: 1, Valid: true}, transcript)
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, m.Role)
	require.NotEmpty(t, m.ID)
	require.Equal(t, "Here is the summary.", m.Text(""))
	require.Len(t, m.Parts, 2)

	reqs := e.chat.generated()
	require.Len(t, reqs, 1)
	require.False(t, reqs[0].Tools.WebSearch)
	require.Equal(t, transcript, reqs[0].Messages)
	require.NotEmpty(t, reqs[0].System)
	require.Equal(t, int64(1), e.count(t))
}
