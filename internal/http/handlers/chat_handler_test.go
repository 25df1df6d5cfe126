package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/services"
)

// chatJSON is the subset of a conversation payload the tests inspect.
type chatJSON struct {
	ID       string           `json:"id"`
	ParentID *string          `json:"parentId"`
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Title    *string          `json:"title"`
	Messages []domain.Message `json:"messages"`
}

// ---------- CreateChat ----------

func TestCreateChat_BadJSON_Validation_Success(t *testing.T) {
	e := newEnv(t)
	_, tok := e.user(t, "alice")

	// No session -> 401
	w := e.do(t, http.MethodPost, "/chats", "", `{}`)
	expectError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)

	// Bad JSON -> 400
	w = e.do(t, http.MethodPost, "/chats", tok, `{bad`)
	expectError(t, w, http.StatusBadRequest, ErrCodeBadRequest)

	cases := []struct {
		name string
		body CreateChatRequest
	}{
		{"unknown provider", CreateChatRequest{Provider: "anthropic", Model: "x", Message: "hi"}},
		{"blank message", CreateChatRequest{Provider: "openai", Model: "gpt-5.2", Message: "   "}},
		{"missing model", CreateChatRequest{Provider: "openai", Message: "hi"}},
		{"bad reasoning", CreateChatRequest{Provider: "openai", Model: "gpt-5.2", Message: "hi", ReasoningLevel: "ludicrous"}},
	}
	for _, tc := range cases {
		w := e.do(t, http.MethodPost, "/chats", tok, tc.body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s -> %d body=%s", tc.name, w.Code, w.Body.String())
		}
	}

	// Success -> 201, message trimmed, no title yet
	w = e.do(t, http.MethodPost, "/chats", tok, CreateChatRequest{
		Provider: "openai", Model: "gpt-5.2", Message: "  Explain recursion  ", ReasoningLevel: "medium",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create -> %d body=%s", w.Code, w.Body.String())
	}
	out := decode[chatJSON](t, w)
	if out.ID == "" || out.Title != nil || out.ParentID != nil {
		t.Fatalf("unexpected chat: %#v", out)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != domain.RoleUser || out.Messages[0].Text("") != "Explain recursion" {
		t.Fatalf("unexpected messages: %#v", out.Messages)
	}
}

// ---------- Draft + Finalize ----------

func TestDraft_Finalize_Conflict_NotFound(t *testing.T) {
	e := newEnv(t)
	_, tok := e.user(t, "alice")

	w := e.do(t, http.MethodPost, "/chats/draft", tok, CreateDraftRequest{Provider: "google", Model: "gemini-3-flash-preview"})
	if w.Code != http.StatusCreated {
		t.Fatalf("draft -> %d body=%s", w.Code, w.Body.String())
	}
	draft := decode[chatJSON](t, w)
	if len(draft.Messages) != 0 {
		t.Fatalf("draft should be empty: %#v", draft.Messages)
	}

	// Attachment outside this conversation -> 400 invalid_attachment
	w = e.do(t, http.MethodPost, "/chats/"+draft.ID+"/finalize", tok, FinalizeRequest{
		Message:     "look",
		Attachments: []services.AttachmentRef{{URL: "/chats/other/attachments/a.png", MediaType: "image/png"}},
	})
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidAttachment)

	ref := services.AttachmentRef{URL: "/chats/" + draft.ID + "/attachments/a.png", MediaType: "image/png", Filename: "a.png"}
	w = e.do(t, http.MethodPost, "/chats/"+draft.ID+"/finalize", tok, FinalizeRequest{Message: " what is this? ", Attachments: []services.AttachmentRef{ref}})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize -> %d body=%s", w.Code, w.Body.String())
	}
	got := decode[chatJSON](t, w)
	if len(got.Messages) != 1 {
		t.Fatalf("want 1 message, got %#v", got.Messages)
	}
	parts := got.Messages[0].Parts
	if len(parts) != 2 || parts[0].Type != domain.PartFile || parts[1].Text != "what is this?" {
		t.Fatalf("unexpected parts: %#v", parts)
	}

	// Second finalize -> 409
	w = e.do(t, http.MethodPost, "/chats/"+draft.ID+"/finalize", tok, FinalizeRequest{Message: "again"})
	expectError(t, w, http.StatusConflict, ErrCodeConflict)

	// Unknown id -> 404
	w = e.do(t, http.MethodPost, "/chats/nope/finalize", tok, FinalizeRequest{Message: "x"})
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
}

// ---------- ListChats ----------

func TestListChats_Tree_ETag304(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.user(t, "alice")

	root := e.seed(t, uid, text("m1", domain.RoleUser, "hi"))
	title := "Root"
	child, err := repo.CreateForkedConversation(context.Background(), e.db, uid, root.ID,
		root.Provider, root.Model, nil, root.Params(), &title)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	w := e.do(t, http.MethodGet, "/chats", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list -> %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	tree := decode[ChatTreeResponse](t, w)
	if tree.Count != 2 || len(tree.Chats) != 1 {
		t.Fatalf("unexpected tree: %#v", tree)
	}
	if tree.Chats[0].ID != root.ID || tree.Chats[0].Title != "Untitled" {
		t.Fatalf("unexpected root: %#v", tree.Chats[0])
	}
	if len(tree.Chats[0].Children) != 1 || tree.Chats[0].Children[0].ID != child.ID || tree.Chats[0].Children[0].Title != "Root" {
		t.Fatalf("unexpected children: %#v", tree.Chats[0].Children)
	}

	// Matching If-None-Match -> 304 without body
	w = e.do(t, http.MethodGet, "/chats", tok, nil, "If-None-Match", etag)
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("expected 304, got %d body=%q", w.Code, w.Body.String())
	}

	// Another conversation changes the tag
	e.seed(t, uid, text("m2", domain.RoleUser, "again"))
	w = e.do(t, http.MethodGet, "/chats", tok, nil, "If-None-Match", etag)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("expected fresh 200, got %d etag=%s", w.Code, w.Header().Get("ETag"))
	}
}

func TestListChats_EmptyState_SetsETag(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.user(t, "alice")

	w := e.do(t, http.MethodGet, "/chats", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list -> %d", w.Code)
	}
	if got, want := w.Header().Get("ETag"), `W/"chats:`+uid+`:0:0"`; got != want {
		t.Fatalf("etag=%s want %s", got, want)
	}
	tree := decode[ChatTreeResponse](t, w)
	if tree.Count != 0 || tree.Chats == nil || len(tree.Chats) != 0 {
		t.Fatalf("unexpected tree: %#v", tree)
	}
}

// ---------- Get / ownership ----------

func TestGetChat_OwnerOnly(t *testing.T) {
	e := newEnv(t)
	alice, aliceTok := e.user(t, "alice")
	_, bobTok := e.user(t, "bob")
	c := e.seed(t, alice, text("m1", domain.RoleUser, "secret"))

	w := e.do(t, http.MethodGet, "/chats/"+c.ID, aliceTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner -> %d", w.Code)
	}
	if got := decode[chatJSON](t, w); got.ID != c.ID || len(got.Messages) != 1 {
		t.Fatalf("unexpected chat: %#v", got)
	}

	// Someone else's id looks exactly like a missing one.
	for _, path := range []string{"/chats/" + c.ID, "/chats/" + c.ID + "/title", "/chats/does-not-exist"} {
		w := e.do(t, http.MethodGet, path, bobTok, nil)
		expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
	}
}

// ---------- Title ----------

func TestTitle_Get_Rename(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.user(t, "alice")
	c := e.seed(t, uid, text("m1", domain.RoleUser, "hi"))

	w := e.do(t, http.MethodGet, "/chats/"+c.ID+"/title", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("title -> %d", w.Code)
	}
	if info := decode[domain.TitleInfo](t, w); info.Title != nil {
		t.Fatalf("expected null title, got %q", *info.Title)
	}

	w = e.do(t, http.MethodPut, "/chats/"+c.ID+"/title", tok, RenameRequest{Title: "  Trip   planning "})
	if w.Code != http.StatusOK {
		t.Fatalf("rename -> %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[TitleResponse](t, w); got.Title != "Trip planning" {
		t.Fatalf("title=%q", got.Title)
	}

	w = e.do(t, http.MethodGet, "/chats/"+c.ID+"/title", tok, nil)
	if info := decode[domain.TitleInfo](t, w); info.Title == nil || *info.Title != "Trip planning" {
		t.Fatalf("unexpected title info: %#v", info)
	}

	w = e.do(t, http.MethodPut, "/chats/"+c.ID+"/title", tok, RenameRequest{Title: "   "})
	expectError(t, w, http.StatusBadRequest, ErrCodeBadRequest)

	w = e.do(t, http.MethodPut, "/chats/missing/title", tok, RenameRequest{Title: "x"})
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)

	w = e.do(t, http.MethodPut, "/chats/"+c.ID+"/title", tok, `{bad`)
	expectError(t, w, http.StatusBadRequest, ErrCodeBadRequest)
}

// ---------- Delete ----------

func TestDeleteChat_CascadesToForks(t *testing.T) {
	e := newEnv(t)
	uid, tok := e.user(t, "alice")
	ctx := context.Background()

	root := e.seed(t, uid, text("m1", domain.RoleUser, "hi"))
	child, err := repo.CreateForkedConversation(ctx, e.db, uid, root.ID, root.Provider, root.Model, nil, root.Params(), nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	grandchild, err := repo.CreateForkedConversation(ctx, e.db, uid, child.ID, root.Provider, root.Model, nil, root.Params(), nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	other := e.seed(t, uid, text("m2", domain.RoleUser, "unrelated"))

	w := e.do(t, http.MethodDelete, "/chats/"+child.ID, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete -> %d body=%s", w.Code, w.Body.String())
	}
	got := decode[DeleteChatResponse](t, w)
	if len(got.DeletedIDs) != 2 {
		t.Fatalf("deleted=%v", got.DeletedIDs)
	}
	seen := map[string]bool{}
	for _, id := range got.DeletedIDs {
		seen[id] = true
	}
	if !seen[child.ID] || !seen[grandchild.ID] {
		t.Fatalf("deleted=%v", got.DeletedIDs)
	}

	for _, id := range []string{root.ID, other.ID} {
		if w := e.do(t, http.MethodGet, "/chats/"+id, tok, nil); w.Code != http.StatusOK {
			t.Fatalf("%s should survive, got %d", id, w.Code)
		}
	}

	// Deleting again -> 404
	w = e.do(t, http.MethodDelete, "/chats/"+child.ID, tok, nil)
	expectError(t, w, http.StatusNotFound, ErrCodeNotFound)
}
