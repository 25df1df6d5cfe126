// Branching HTTP handlers.
//
//   - POST /chats/{id}/fork              (copy messages [0, index] into a child)
//   - POST /chats/{id}/handoff/preview   (summarize for a handoff; stores nothing)
//   - POST /chats/{id}/handoff           (child seeded with the accepted summary)
//
// Fork and handoff accept honor Idempotency-Key: a repeated key answers with
// the first result and sets `Idempotency-Replayed: true`.
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/services"
)

// HeaderReplayed marks a response served from a stored idempotent result.
const HeaderReplayed = "Idempotency-Replayed"

// ForkRequest selects the last message the child keeps.
type ForkRequest struct {
	Index json.RawMessage `json:"index" swaggertype:"integer" example:"3"`
}

// HandoffPreviewRequest carries the client-built summary transcript.
type HandoffPreviewRequest struct {
	Index    json.RawMessage `json:"index" swaggertype:"integer" example:"3"`
	Messages json.RawMessage `json:"messages" swaggertype:"array,object"`
}

// HandoffAcceptRequest carries the summary the user accepted.
type HandoffAcceptRequest struct {
	Index json.RawMessage `json:"index" swaggertype:"integer" example:"3"`
	Text  json.RawMessage `json:"text" swaggertype:"string" example:"We were comparing sorting algorithms..."`
}

// HandoffPreviewResponse is the proposed summary message.
type HandoffPreviewResponse struct {
	Message *domain.Message `json:"message"`
}

// textField is nil unless raw is a JSON string.
func textField(raw json.RawMessage) *string {
	raw = bytes.TrimSpace(raw)
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return nil
	}
	return &s
}

func (h *Handlers) branchCreated(c *gin.Context, res *services.BranchResult) {
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
		ok(c, http.StatusOK, res)
		return
	}
	ok(c, http.StatusCreated, res)
}

// ForkChat godoc
// @ID          forkChat
// @Summary     Fork a conversation
// @Description Creates a child conversation holding messages 0..index of the source, with the same provider, model, parameters and title.
// @Tags        Branching
// @Accept      json
// @Produce     json
// @Param       id               path    string                true   "Chat ID"
// @Param       Idempotency-Key  header  string                false  "Idempotency key for safe retries"
// @Param       body             body    handlers.ForkRequest  true   "Fork point"
// @Success     201  {object}  services.BranchResult
// @Success     200  {object}  services.BranchResult  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id}/fork [post]
func (h *Handlers) ForkChat(c *gin.Context) {
	var req ForkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.branch.Fork(c.Request.Context(), userID(c), c.Param("id"), services.ParseIndex(req.Index), key)
	if err != nil {
		respond(c, err)
		return
	}
	h.branchCreated(c, res)
}

// HandoffPreview godoc
// @ID          handoffPreview
// @Summary     Preview a handoff summary
// @Description Runs the conversation's model once, without tools, over the supplied transcript. May be called repeatedly with feedback turns appended.
// @Tags        Branching
// @Accept      json
// @Produce     json
// @Param       id    path      string                          true  "Chat ID"
// @Param       body  body      handlers.HandoffPreviewRequest  true  "Transcript"
// @Success     200   {object}  handlers.HandoffPreviewResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Failure     502   {object}  handlers.ErrorResponse
// @Router      /chats/{id}/handoff/preview [post]
func (h *Handlers) HandoffPreview(c *gin.Context) {
	var req HandoffPreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	// A malformed list is reported after the index checks.
	msgs, _ := decodeMessages(req.Messages)
	msg, err := h.branch.HandoffPreview(c.Request.Context(), userID(c), c.Param("id"), services.ParseIndex(req.Index), msgs)
	if err != nil {
		respond(c, err)
		return
	}
	ok(c, http.StatusOK, HandoffPreviewResponse{Message: msg})
}

// HandoffAccept godoc
// @ID          handoffAccept
// @Summary     Accept a handoff summary
// @Description Creates a child conversation whose only message is a user message holding text.
// @Tags        Branching
// @Accept      json
// @Produce     json
// @Param       id               path    string                         true   "Chat ID"
// @Param       Idempotency-Key  header  string                         false  "Idempotency key for safe retries"
// @Param       body             body    handlers.HandoffAcceptRequest  true   "Accepted summary"
// @Success     201  {object}  services.BranchResult
// @Success     200  {object}  services.BranchResult  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chats/{id}/handoff [post]
func (h *Handlers) HandoffAccept(c *gin.Context) {
	var req HandoffAcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.branch.HandoffAccept(c.Request.Context(), userID(c), c.Param("id"),
		services.ParseIndex(req.Index), textField(req.Text), key)
	if err != nil {
		respond(c, err)
		return
	}
	h.branchCreated(c, res)
}
