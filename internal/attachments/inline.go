package attachments

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tbourn/treebot/internal/domain"
)

// maxParallelReads bounds concurrent file reads while inlining.
const maxParallelReads = 4

// ErrForeignAttachment is returned for a user file part that is neither a
// data URL nor an attachment of the conversation or one of its ancestors.
var ErrForeignAttachment = errors.New("attachment does not belong to this conversation")

// Inline returns a copy of msgs where every file part of a user message
// carries its file as a base64 data URL. lineage lists the conversation id
// followed by its ancestors; forks keep their parent's addresses, so an
// address of any chat in lineage is read from that chat's directory. Parts
// already holding data URLs are left untouched. Any other address, or a
// missing file, fails the whole call.
func (s *Store) Inline(ctx context.Context, userID string, lineage []string, msgs []domain.Message) ([]domain.Message, error) {
	type read struct {
		part         *domain.Part
		chatID, name string
	}
	var reads []read

	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Role != domain.RoleUser {
			continue
		}
		parts := make([]domain.Part, len(m.Parts))
		copy(parts, m.Parts)
		out[i].Parts = parts

		for j := range parts {
			p := &parts[j]
			if p.Type != domain.PartFile || strings.HasPrefix(p.URL, "data:") {
				continue
			}
			chatID, name, ok := resolveAddress(lineage, p.URL)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrForeignAttachment, p.Filename)
			}
			reads = append(reads, read{part: p, chatID: chatID, name: name})
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for _, r := range reads {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := s.Read(userID, r.chatID, r.name)
			if err != nil {
				return fmt.Errorf("inline %s: %w", r.name, err)
			}
			mt := r.part.MediaType
			if mt == "" {
				mt = "application/octet-stream"
			}
			r.part.URL = "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveAddress(lineage []string, address string) (chatID, name string, ok bool) {
	if address == "" {
		return "", "", false
	}
	for _, id := range lineage {
		if name, ok := FilenameFromAddress(id, address); ok {
			return id, name, true
		}
	}
	return "", "", false
}
