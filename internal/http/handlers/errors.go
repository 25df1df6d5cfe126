// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics, domain codes (missing_api_key,
// invalid_attachment, upstream_error) name conditions the user can act on.
//
// Not-found and not-owned are the same condition on the wire: both answer 404
// not_found, so conversation ids cannot be probed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "missing_api_key",
//	  "message": "no API key configured for openai"
//	}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/auth"
	"github.com/tbourn/treebot/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeMissingAPIKey      = "missing_api_key"
	ErrCodeInvalidAttachment  = "invalid_attachment"
	ErrCodeUnsupportedType    = "unsupported_media_type"
	ErrCodeUpstream           = "upstream_error"
	ErrCodeUpstreamTimeout    = "upstream_timeout"
	ErrCodeSetupClosed        = "setup_closed"
	ErrCodeInvalidCredentials = "invalid_credentials"
)

// badRequest lists service errors that are plain input validation failures.
// Their messages are shown to users as-is.
var badRequest = []error{
	services.ErrInvalidProvider,
	services.ErrModelRequired,
	services.ErrInvalidReasoning,
	services.ErrEmptyMessage,
	services.ErrTitleEmpty,
	services.ErrInvalidIndex,
	services.ErrIndexOutOfRange,
	services.ErrNotAssistantMessage,
	services.ErrInvalidText,
	services.ErrEmptyText,
	services.ErrInvalidMessages,
	services.ErrCorruptConversation,
	services.ErrInvalidUsername,
	services.ErrWeakPassword,
}

// respond translates a service error into the error envelope.
func respond(c *gin.Context, err error) {
	var upstream *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unauthorized")
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "chat not found")
	case errors.Is(err, attachments.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "attachment not found")
	case errors.Is(err, services.ErrMissingAPIKey):
		fail(c, http.StatusBadRequest, ErrCodeMissingAPIKey, err.Error())
	case errors.Is(err, services.ErrInvalidAttachment):
		fail(c, http.StatusBadRequest, ErrCodeInvalidAttachment, err.Error())
	case errors.Is(err, attachments.ErrUnsupportedType):
		fail(c, http.StatusUnsupportedMediaType, ErrCodeUnsupportedType, err.Error())
	case errors.Is(err, attachments.ErrTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err.Error())
	case errors.Is(err, services.ErrAlreadyInitialized):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrSetupClosed):
		fail(c, http.StatusForbidden, ErrCodeSetupClosed, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidCredentials, err.Error())
	case isBadRequest(err):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeUpstreamTimeout, "model provider timed out")
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the body.
		c.Abort()
	case errors.As(err, &upstream):
		fail(c, http.StatusBadGateway, ErrCodeUpstream, upstream.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

func isBadRequest(err error) bool {
	for _, target := range badRequest {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
