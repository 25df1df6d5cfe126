// Package handlers exposes the Treebot REST and SSE endpoints.
//
// Handlers are transport-thin: they bind and shape input, call a service,
// and translate the result (or error, see errors.go) into HTTP. The caller's
// identity always comes from the session middleware, never from the request
// body or path.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/services"
)

//
// Service contracts (context-aware)
//

// AuthService manages accounts and sessions.
type AuthService interface {
	NeedsSetup(ctx context.Context) (bool, error)
	Setup(ctx context.Context, username, password string) (*services.Session, error)
	Login(ctx context.Context, username, password string) (*services.Session, error)
	Me(ctx context.Context, userID string) (*domain.User, error)
}

// CredentialService stores per-user provider API keys.
type CredentialService interface {
	Set(ctx context.Context, userID string, provider domain.Provider, key string) error
	List(ctx context.Context, userID string) ([]services.KeyStatus, error)
}

// ConversationService covers conversation CRUD, the tree listing and uploads.
type ConversationService interface {
	Create(ctx context.Context, userID string, in services.CreateInput) (*domain.Conversation, error)
	CreateDraft(ctx context.Context, userID string, in services.DraftInput) (*domain.Conversation, error)
	Finalize(ctx context.Context, userID, chatID, message string, refs []services.AttachmentRef) (*domain.Conversation, error)
	Get(ctx context.Context, userID, chatID string) (*domain.Conversation, error)
	Title(ctx context.Context, userID, chatID string) (*domain.TitleInfo, error)
	Rename(ctx context.Context, userID, chatID, title string) (string, error)
	Tree(ctx context.Context, userID string) (*services.Tree, error)
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
	Delete(ctx context.Context, userID, chatID string) ([]string, error)
	Upload(ctx context.Context, userID, chatID, filename, mediaType string, data []byte) (*attachments.Stored, error)
	AttachmentPath(ctx context.Context, userID, chatID, filename string) (string, error)
}

// StreamService prepares chat turns; the returned turn runs the stream.
type StreamService interface {
	Prepare(ctx context.Context, userID, chatID string, msgs []domain.Message) (*services.Turn, error)
}

// BranchService forks conversations and runs handoffs.
type BranchService interface {
	Fork(ctx context.Context, userID, chatID string, idx services.Index, key string) (*services.BranchResult, error)
	HandoffAccept(ctx context.Context, userID, chatID string, idx services.Index, text *string, key string) (*services.BranchResult, error)
	HandoffPreview(ctx context.Context, userID, chatID string, idx services.Index, msgs []domain.Message) (*domain.Message, error)
}

//
// Handler wiring
//

// Deps bundles everything the handlers need.
type Deps struct {
	Auth          AuthService
	Credentials   CredentialService
	Conversations ConversationService
	Stream        StreamService
	Branch        BranchService

	// SessionTTL is the session cookie lifetime.
	SessionTTL time.Duration
	// SecureCookie marks the session cookie Secure.
	SecureCookie bool
	// MaxUploadBytes caps a single multipart upload.
	MaxUploadBytes int64
}

// Handlers groups all HTTP endpoints.
type Handlers struct {
	auth   AuthService
	creds  CredentialService
	convs  ConversationService
	stream StreamService
	branch BranchService

	sessionTTL   time.Duration
	secureCookie bool
	maxUpload    int64
}

// New constructs Handlers from d.
func New(d Deps) *Handlers {
	maxUpload := d.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 110 << 20
	}
	return &Handlers{
		auth:         d.Auth,
		creds:        d.Credentials,
		convs:        d.Conversations,
		stream:       d.Stream,
		branch:       d.Branch,
		sessionTTL:   d.SessionTTL,
		secureCookie: d.SecureCookie,
		maxUpload:    maxUpload,
	}
}

// userID returns the session user. Routes behind RequireSession always have one.
func userID(c *gin.Context) string {
	return middleware.UserID(c)
}
