// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the conversation store.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. Every read and write is scoped by
// user_id: a row owned by another user is indistinguishable from a missing
// one.
//
// Error semantics:
//   - Lookups return ErrNotFound (gorm.ErrRecordNotFound) when the row is
//     missing or not owned.
//   - Scoped mutations return the number of affected rows; zero means the
//     row was missing or not owned and is not an error.
//   - DB errors are propagated as-is.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/chattree"
	"github.com/tbourn/treebot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// deleteBatch bounds the IN (...) list of a single DELETE statement.
const deleteBatch = 500

// Now is the store clock. Timestamps are truncated to microseconds so values
// compare equal after a round trip through either driver.
var Now = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// NewConversation describes the row to insert.
type NewConversation struct {
	UserID   string
	ParentID *string
	Provider domain.Provider
	Model    string
	Messages []domain.Message
	Params   domain.ModelParams
	Title    *string
}

// CreateConversation inserts a root conversation (parent_id NULL, title NULL)
// with created_at == updated_at.
func CreateConversation(ctx context.Context, db *gorm.DB, userID string, provider domain.Provider, model string, msgs []domain.Message, params domain.ModelParams) (*domain.Conversation, error) {
	return insertConversation(ctx, db, NewConversation{
		UserID:   userID,
		Provider: provider,
		Model:    model,
		Messages: msgs,
		Params:   params,
	})
}

// CreateForkedConversation inserts a conversation under parentID. The caller
// decides what to inherit; the store always stamps fresh timestamps.
func CreateForkedConversation(ctx context.Context, db *gorm.DB, userID, parentID string, provider domain.Provider, model string, msgs []domain.Message, params domain.ModelParams, title *string) (*domain.Conversation, error) {
	return insertConversation(ctx, db, NewConversation{
		UserID:   userID,
		ParentID: &parentID,
		Provider: provider,
		Model:    model,
		Messages: msgs,
		Params:   params,
		Title:    title,
	})
}

func insertConversation(ctx context.Context, db *gorm.DB, n NewConversation) (*domain.Conversation, error) {
	raw, err := domain.EncodeMessages(n.Messages)
	if err != nil {
		return nil, err
	}
	now := Now()
	c := &domain.Conversation{
		ID:          uuid.NewString(),
		UserID:      n.UserID,
		ParentID:    n.ParentID,
		Provider:    n.Provider,
		Model:       n.Model,
		ModelParams: datatypes.NewJSONType(n.Params),
		Title:       n.Title,
		Messages:    raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by id and owner, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Lineage returns id followed by its ancestors, nearest first. A dangling
// parent pointer ends the walk.
func Lineage(ctx context.Context, db *gorm.DB, id, userID string) ([]string, error) {
	type link struct {
		ID       string
		ParentID *string
	}
	out := make([]string, 0, 4)
	seen := make(map[string]bool)
	for cur := id; cur != "" && !seen[cur]; {
		var l link
		err := db.WithContext(ctx).
			Model(&domain.Conversation{}).
			Select("id", "parent_id").
			Where("id = ? AND user_id = ?", cur, userID).
			Take(&l).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[cur] = true
		out = append(out, l.ID)
		cur = ""
		if l.ParentID != nil {
			cur = *l.ParentID
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// GetConversationTitle returns the title projection, or ErrNotFound.
func GetConversationTitle(ctx context.Context, db *gorm.DB, id, userID string) (*domain.TitleInfo, error) {
	var out []domain.TitleInfo
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select("title", "updated_at").
		Where("id = ? AND user_id = ?", id, userID).
		Limit(1).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return &out[0], nil
}

// UpdateMessages replaces the whole message list and bumps updated_at.
// It reports how many rows were written.
func UpdateMessages(ctx context.Context, db *gorm.DB, id, userID string, msgs []domain.Message) (int64, error) {
	raw, err := domain.EncodeMessages(msgs)
	if err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"messages": raw, "updated_at": Now()})
	return res.RowsAffected, res.Error
}

// UpdateTitle sets the title and bumps updated_at. It reports how many rows
// were written.
func UpdateTitle(ctx context.Context, db *gorm.DB, id, userID, title string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"title": title, "updated_at": Now()})
	return res.RowsAffected, res.Error
}

// ListConversations returns the tree-building projection for userID, most
// recently updated first.
func ListConversations(ctx context.Context, db *gorm.DB, userID string) ([]domain.ConversationRow, error) {
	out := make([]domain.ConversationRow, 0)
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Select("id", "parent_id", "title", "updated_at").
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Scan(&out).Error
	return out, err
}

// DeleteWithDescendants deletes id and its whole fork subtree for userID and
// returns the deleted ids. An unknown or foreign id deletes nothing and
// returns an empty list.
//
// The id set is computed from a snapshot of the user's rows; a child created
// under the subtree after the snapshot is not deleted.
func DeleteWithDescendants(ctx context.Context, db *gorm.DB, id, userID string) ([]string, error) {
	rows, err := ListConversations(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	ids := chattree.Descendants(rows, id)
	if len(ids) == 0 {
		return []string{}, nil
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += deleteBatch {
			end := min(start+deleteBatch, len(ids))
			if err := tx.Where("user_id = ? AND id IN ?", userID, ids[start:end]).
				Delete(&domain.Conversation{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
