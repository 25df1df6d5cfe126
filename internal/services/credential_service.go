// Package services – CredentialService
//
// CredentialService stores each user's provider API keys sealed at rest and
// resolves them for model calls. The sealed value is bound to its owner and
// provider through the AEAD additional data, so a row copied to another user
// or provider fails to open.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/secrets"
)

// KeyResolver returns the plaintext API key for a user and provider, or a
// *MissingKeyError.
type KeyResolver interface {
	Resolve(ctx context.Context, userID string, provider domain.Provider) (string, error)
}

// CredentialService manages per-user provider API keys.
type CredentialService struct {
	DB     *gorm.DB
	Sealer *secrets.Sealer
}

// KeyStatus reports whether a provider has a key configured.
type KeyStatus struct {
	Provider   domain.Provider `json:"provider"`
	Configured bool            `json:"configured"`
}

func keyAAD(userID string, provider domain.Provider) []byte {
	return []byte(userID + ":" + string(provider))
}

// Set stores key for provider, replacing any previous one. A blank key
// deletes the stored credential.
func (s *CredentialService) Set(ctx context.Context, userID string, provider domain.Provider, key string) error {
	tr := otel.Tracer("services/CredentialService")
	ctx, span := tr.Start(ctx, "Set", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("provider", string(provider)),
	))
	defer span.End()

	if !provider.Valid() {
		return ErrInvalidProvider
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return s.Delete(ctx, userID, provider)
	}
	sealed, err := s.Sealer.Seal([]byte(key), keyAAD(userID, provider))
	if err != nil {
		return err
	}
	return repo.UpsertAPIKey(ctx, s.DB, userID, provider, sealed)
}

// Delete removes the key for provider. Deleting a missing key is not an error.
func (s *CredentialService) Delete(ctx context.Context, userID string, provider domain.Provider) error {
	if !provider.Valid() {
		return ErrInvalidProvider
	}
	_, err := repo.DeleteAPIKey(ctx, s.DB, userID, provider)
	return err
}

// List reports, for every supported provider, whether a key is configured.
// Plaintext keys never leave the service.
func (s *CredentialService) List(ctx context.Context, userID string) ([]KeyStatus, error) {
	have, err := repo.ListAPIKeyProviders(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[domain.Provider]bool, len(have))
	for _, p := range have {
		set[p] = true
	}
	out := make([]KeyStatus, 0, len(domain.Providers))
	for _, p := range domain.Providers {
		out = append(out, KeyStatus{Provider: p, Configured: set[p]})
	}
	return out, nil
}

// Resolve implements KeyResolver.
func (s *CredentialService) Resolve(ctx context.Context, userID string, provider domain.Provider) (string, error) {
	k, err := repo.GetAPIKey(ctx, s.DB, userID, provider)
	if errors.Is(err, repo.ErrNotFound) {
		return "", &MissingKeyError{Provider: provider}
	}
	if err != nil {
		return "", err
	}
	plain, err := s.Sealer.Open(k.SealedKey, keyAAD(userID, provider))
	if err != nil {
		return "", err
	}
	if len(plain) == 0 {
		return "", &MissingKeyError{Provider: provider}
	}
	return string(plain), nil
}
