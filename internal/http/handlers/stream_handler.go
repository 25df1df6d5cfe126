package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/services"
)

// SSE event names beyond the llm delta types.
const (
	eventStart  = "start"
	eventFinish = "finish"
	eventError  = "error"
)

// StreamRequest is the full candidate history, ending with the new user
// message.
type StreamRequest struct {
	Messages json.RawMessage `json:"messages" swaggertype:"array,object"`
}

// decodeMessages rejects anything that is not a JSON array of messages.
func decodeMessages(raw json.RawMessage) ([]domain.Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, services.ErrInvalidMessages
	}
	var msgs []domain.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, services.ErrInvalidMessages
	}
	return msgs, nil
}

// StreamChat godoc
// @ID          streamChat
// @Summary     Run one chat turn
// @Description Streams server-sent events: start {messageId}, reasoning-delta {delta}, text-delta {delta}, then finish {message} or error {message}. The turn is stored once the stream completes; an aborted stream stores nothing. Precondition failures are plain JSON errors.
// @Tags        Chats
// @Accept      json
// @Produce     text/event-stream
// @Param       id    path      string                  true  "Chat ID"
// @Param       body  body      handlers.StreamRequest  true  "Message history"
// @Success     200   {string}  string  "event stream"
// @Failure     400   {object}  handlers.ErrorResponse
// @Failure     404   {object}  handlers.ErrorResponse
// @Router      /chats/{id}/stream [post]
func (h *Handlers) StreamChat(c *gin.Context) {
	var req StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	// A malformed list reaches Prepare as nil and is rejected after the
	// ownership check.
	msgs, _ := decodeMessages(req.Messages)

	ctx := c.Request.Context()
	turn, err := h.stream.Prepare(ctx, userID(c), c.Param("id"), msgs)
	if err != nil {
		respond(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	sendEvent(c, eventStart, gin.H{"messageId": turn.MessageID})

	reply, err := turn.Run(ctx, func(ev llm.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sendEvent(c, string(ev.Type), gin.H{"delta": ev.Delta})
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sendEvent(c, eventError, gin.H{"message": streamErrorMessage(c, err)})
		return
	}
	sendEvent(c, eventFinish, gin.H{"message": reply})
}

func sendEvent(c *gin.Context, name string, data any) {
	c.SSEvent(name, data)
	c.Writer.Flush()
}

// streamErrorMessage is the user-facing text of a mid-stream failure.
func streamErrorMessage(c *gin.Context, err error) string {
	var upstream *services.UpstreamError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "model provider timed out"
	case errors.As(err, &upstream):
		middleware.LoggerFrom(c).Warn().Err(err).Msg("stream failed upstream")
		return upstream.Error()
	case errors.Is(err, services.ErrConversationNotFound):
		return "chat not found"
	default:
		_ = c.Error(err)
		middleware.LoggerFrom(c).Error().Err(err).Msg("stream failed")
		return "internal error"
	}
}
