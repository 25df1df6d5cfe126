// Package services defines the business logic for conversations, turns,
// branching, titles, credentials and accounts. This file centralizes the
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/treebot/internal/domain"
)

// Conversation errors.
var (
	// ErrConversationNotFound indicates that the conversation does not exist
	// or is owned by another user. The two cases are never distinguished.
	ErrConversationNotFound = errors.New("chat not found")

	// ErrCorruptConversation is returned when a stored message list is not an
	// array.
	ErrCorruptConversation = errors.New("invalid chat messages")

	// ErrInvalidProvider is returned for an unknown provider name.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrModelRequired is returned when no model id was supplied.
	ErrModelRequired = errors.New("model is required")

	// ErrInvalidReasoning is returned for a reasoning level the model does not
	// offer.
	ErrInvalidReasoning = errors.New("invalid reasoning level")

	// ErrEmptyMessage is returned when a message has neither text nor
	// attachments.
	ErrEmptyMessage = errors.New("message cannot be empty")

	// ErrAlreadyInitialized is returned when finalizing a draft that already
	// holds messages.
	ErrAlreadyInitialized = errors.New("chat already initialized")

	// ErrInvalidAttachment is returned when an attachment reference points
	// outside the conversation or cannot be resolved.
	ErrInvalidAttachment = errors.New("invalid attachment reference")

	// ErrTitleEmpty is returned when renaming to a blank title.
	ErrTitleEmpty = errors.New("chat title cannot be empty")
)

// Branching errors.
var (
	// ErrInvalidIndex is returned when the message index is not an integer.
	ErrInvalidIndex = errors.New("invalid index")

	// ErrIndexOutOfRange is returned when the index is outside the message
	// list.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrNotAssistantMessage is returned when a handoff targets a message that
	// was not produced by the assistant.
	ErrNotAssistantMessage = errors.New("handoff only supported for assistant messages")

	// ErrInvalidText is returned when the handoff text is missing or not a
	// string.
	ErrInvalidText = errors.New("invalid text")

	// ErrEmptyText is returned when the handoff text is blank.
	ErrEmptyText = errors.New("text cannot be empty")

	// ErrInvalidMessages is returned when a submitted message list is not an
	// array.
	ErrInvalidMessages = errors.New("invalid messages")
)

// Account errors.
var (
	// ErrUnauthenticated is returned when a request carries no valid session.
	ErrUnauthenticated = errors.New("unauthorized")

	// ErrSetupClosed is returned when setup is attempted after the first user
	// exists.
	ErrSetupClosed = errors.New("setup already completed")

	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrInvalidUsername is returned for usernames outside 3-64 characters.
	ErrInvalidUsername = errors.New("username must be 3-64 characters")

	// ErrWeakPassword is returned for passwords shorter than 8 characters.
	ErrWeakPassword = errors.New("password must be at least 8 characters")

	// ErrMissingAPIKey matches every *MissingKeyError.
	ErrMissingAPIKey = errors.New("no api key configured")
)

// MissingKeyError names the provider that has no stored credential.
type MissingKeyError struct {
	Provider domain.Provider
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no API key configured for %s", e.Provider)
}

// Is makes errors.Is(err, ErrMissingAPIKey) hold.
func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingAPIKey }

// UpstreamError wraps a failure of the model provider call.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "model provider: " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }
