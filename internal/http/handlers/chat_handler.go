// Chat HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /chats                 (create with a first message)
//   - POST   /chats/draft           (reserve an empty conversation for uploads)
//   - POST   /chats/{id}/finalize   (seed a draft's first message)
//   - GET    /chats                 (the caller's forest, weak ETag support)
//   - GET    /chats/{id}
//   - GET    /chats/{id}/title      (polled while a title is generated)
//   - PUT    /chats/{id}/title      (rename)
//   - DELETE /chats/{id}            (delete with all forks)
package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/chattree"
	"github.com/tbourn/treebot/internal/services"
)

//
// DTOs
//

// CreateChatRequest starts a conversation with a text prompt.
type CreateChatRequest struct {
	Provider       string `json:"provider" example:"openai"`
	Model          string `json:"model" example:"gpt-5.2"`
	Message        string `json:"message" example:"Explain recursion"`
	ReasoningLevel string `json:"reasoningLevel,omitempty" example:"medium"`
}

// CreateDraftRequest reserves a conversation before attachments are uploaded.
type CreateDraftRequest struct {
	Provider       string `json:"provider" example:"google"`
	Model          string `json:"model" example:"gemini-3-flash-preview"`
	ReasoningLevel string `json:"reasoningLevel,omitempty" example:"high"`
}

// FinalizeRequest is the first message of a draft.
type FinalizeRequest struct {
	Message     string                   `json:"message" example:"What is in this picture?"`
	Attachments []services.AttachmentRef `json:"attachments"`
}

// RenameRequest sets a user-chosen title.
type RenameRequest struct {
	Title string `json:"title" example:"Trip planning"`
}

// TitleResponse echoes the stored title.
type TitleResponse struct {
	Title string `json:"title"`
}

// ChatTreeResponse is the caller's conversation forest.
type ChatTreeResponse struct {
	Chats []*chattree.Node `json:"chats"`
	Count int64            `json:"count"`
}

// DeleteChatResponse lists every conversation removed.
type DeleteChatResponse struct {
	DeletedIDs []string `json:"deletedIds"`
}

//
// Handlers
//

// CreateChat godoc
// @ID          createChat
// @Summary     Create a conversation
// @Description Creates a root conversation holding the trimmed message. A title is generated in the background.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateChatRequest  true  "Create payload"
// @Success     201   {object}  domain.Conversation
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.convs.Create(c.Request.Context(), userID(c), services.CreateInput{
		Provider:       req.Provider,
		Model:          req.Model,
		Message:        req.Message,
		ReasoningLevel: req.ReasoningLevel,
	})
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// CreateDraft godoc
// @ID          createDraft
// @Summary     Reserve an empty conversation
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateDraftRequest  true  "Draft payload"
// @Success     201   {object}  domain.Conversation
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /chats/draft [post]
func (h *Handlers) CreateDraft(c *gin.Context) {
	var req CreateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.convs.CreateDraft(c.Request.Context(), userID(c), services.DraftInput{
		Provider:       req.Provider,
		Model:          req.Model,
		ReasoningLevel: req.ReasoningLevel,
	})
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

// FinalizeChat godoc
// @ID          finalizeChat
// @Summary     Seed a draft's first message
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       id    path      string                    true  "Chat ID"
// @Param       body  body      handlers.FinalizeRequest  true  "First message"
// @Success     200   {object}  domain.Conversation
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse  "Already initialized"
// @Router      /chats/{id}/finalize [post]
func (h *Handlers) FinalizeChat(c *gin.Context) {
	var req FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.convs.Finalize(c.Request.Context(), userID(c), c.Param("id"), req.Message, req.Attachments)
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListChats godoc
// @ID          listChats
// @Summary     List conversations as a tree
// @Description Returns the caller's forest. Forks whose parent is gone are promoted to roots. Supports weak ETag via If-None-Match.
// @Tags        Chats
// @Produce     json
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ChatTreeResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	count, latest, err := h.convs.Stats(ctx, uid)
	if err != nil {
		respond(c, err)
		return
	}
	etag := treeETag(uid, count, latest)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	tree, err := h.convs.Tree(ctx, uid)
	if err != nil {
		respond(c, err)
		return
	}
	// Rows may have changed between the two reads; tag what is served.
	c.Header("ETag", treeETag(uid, tree.Count, tree.UpdatedAt))
	ok(c, http.StatusOK, ChatTreeResponse{Chats: tree.Roots, Count: tree.Count})
}

func treeETag(uid string, count int64, latest *time.Time) string {
	var ts int64
	if latest != nil {
		ts = latest.UnixMilli()
	}
	return fmt.Sprintf(`W/"chats:%s:%d:%d"`, uid, count, ts)
}

// GetChat godoc
// @ID          getChat
// @Summary     Get a conversation
// @Tags        Chats
// @Produce     json
// @Param       id   path      string  true  "Chat ID"
// @Success     200  {object}  domain.Conversation
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	conv, err := h.convs.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// GetChatTitle godoc
// @ID          getChatTitle
// @Summary     Poll a conversation's title
// @Tags        Chats
// @Produce     json
// @Param       id   path      string  true  "Chat ID"
// @Success     200  {object}  domain.TitleInfo
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id}/title [get]
func (h *Handlers) GetChatTitle(c *gin.Context) {
	info, err := h.convs.Title(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

// RenameChat godoc
// @ID          renameChat
// @Summary     Rename a conversation
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       id    path      string                  true  "Chat ID"
// @Param       body  body      handlers.RenameRequest  true  "New title"
// @Success     200   {object}  handlers.TitleResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Router      /chats/{id}/title [put]
func (h *Handlers) RenameChat(c *gin.Context) {
	var req RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	title, err := h.convs.Rename(c.Request.Context(), userID(c), c.Param("id"), req.Title)
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, TitleResponse{Title: title})
}

// DeleteChat godoc
// @ID          deleteChat
// @Summary     Delete a conversation and all of its forks
// @Tags        Chats
// @Produce     json
// @Param       id   path      string  true  "Chat ID"
// @Success     200  {object}  handlers.DeleteChatResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id} [delete]
func (h *Handlers) DeleteChat(c *gin.Context) {
	ids, err := h.convs.Delete(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, DeleteChatResponse{DeletedIDs: ids})
}
