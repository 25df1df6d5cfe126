// Package attachments validates, stores, addresses, and inlines files
// uploaded into a conversation. Files live on local disk under
// <root>/<user>/<chat>/ and are addressed as /chats/<chat>/attachments/<file>.
package attachments

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tbourn/treebot/internal/domain"
)

// Category groups media types for size limits.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
)

const mb = 1 << 20

// Validation errors.
var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file is too large")
)

// Policy is the per-provider allowlist and size caps.
type Policy struct {
	Allowed  map[string]bool
	MaxBytes map[Category]int64
}

// Accept returns the allowlist in the form used by <input accept>.
func (p Policy) Accept() string {
	types := make([]string, 0, len(p.Allowed))
	for t := range p.Allowed {
		types = append(types, t)
	}
	sort.Strings(types)
	return strings.Join(types, ",")
}

var (
	openAIImages = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}
	geminiImages = []string{"image/png", "image/jpeg", "image/webp", "image/heic", "image/heif"}
	geminiAudio  = []string{
		"audio/aac", "audio/flac", "audio/mpeg", "audio/mp3", "audio/mp4", "audio/mpga",
		"audio/ogg", "audio/opus", "audio/pcm", "audio/wav", "audio/webm", "audio/x-m4a",
	}
	geminiVideo = []string{
		"video/mp4", "video/mpeg", "video/quicktime", "video/x-msvideo",
		"video/x-flv", "video/webm", "video/x-ms-wmv", "video/3gpp",
	}
	geminiDocuments = []string{"application/pdf"}
)

var policies = map[domain.Provider]Policy{
	domain.ProviderOpenAI: {
		Allowed:  set(openAIImages),
		MaxBytes: map[Category]int64{CategoryImage: 50 * mb},
	},
	domain.ProviderGoogle: {
		Allowed: set(geminiImages, geminiAudio, geminiVideo, geminiDocuments),
		MaxBytes: map[Category]int64{
			CategoryImage:    100 * mb,
			CategoryAudio:    100 * mb,
			CategoryVideo:    100 * mb,
			CategoryDocument: 50 * mb,
		},
	},
}

// PolicyFor returns the provider's policy; unknown providers get the Gemini one.
func PolicyFor(provider domain.Provider) Policy {
	if p, ok := policies[provider]; ok {
		return p
	}
	return policies[domain.ProviderGoogle]
}

// CategoryOf derives the size-limit category from a media type.
func CategoryOf(mediaType string) (Category, bool) {
	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return CategoryImage, true
	case strings.HasPrefix(mediaType, "audio/"):
		return CategoryAudio, true
	case strings.HasPrefix(mediaType, "video/"):
		return CategoryVideo, true
	case mediaType == "application/pdf":
		return CategoryDocument, true
	}
	return "", false
}

// Validate checks a file against the provider's policy.
func Validate(provider domain.Provider, mediaType string, size int64) (Category, error) {
	p := PolicyFor(provider)
	if !p.Allowed[mediaType] {
		return "", ErrUnsupportedType
	}
	cat, ok := CategoryOf(mediaType)
	if !ok {
		return "", ErrUnsupportedType
	}
	if limit, ok := p.MaxBytes[cat]; ok && size > limit {
		return "", fmt.Errorf("%w (max %d MB)", ErrTooLarge, limit/mb)
	}
	return cat, nil
}

func set(lists ...[]string) map[string]bool {
	out := make(map[string]bool)
	for _, l := range lists {
		for _, s := range l {
			out[s] = true
		}
	}
	return out
}
