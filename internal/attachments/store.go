package attachments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tbourn/treebot/internal/domain"
)

// ErrNotFound is returned when an addressed file does not exist.
var ErrNotFound = errors.New("attachment not found")

var (
	unsafeSegment  = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

func sanitizeSegment(s string) string  { return unsafeSegment.ReplaceAllString(s, "_") }
func sanitizeFilename(s string) string { return unsafeFilename.ReplaceAllString(s, "_") }

// Stored describes a persisted upload.
type Stored struct {
	Filename     string   `json:"filename"`
	OriginalName string   `json:"originalName"`
	MediaType    string   `json:"mediaType"`
	Size         int64    `json:"size"`
	URL          string   `json:"url"`
	Category     Category `json:"category"`
}

// Store keeps attachments on the local filesystem.
type Store struct {
	root string
	now  func() time.Time
}

// NewStore roots storage at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir, now: time.Now}
}

// Root returns the storage directory.
func (s *Store) Root() string { return s.root }

// Address returns the conversation-scoped address for a stored file.
func Address(chatID, filename string) string {
	return AddressPrefix(chatID) + filename
}

// AddressPrefix is the address prefix every attachment of chatID carries.
func AddressPrefix(chatID string) string {
	return "/chats/" + chatID + "/attachments/"
}

// FilenameFromAddress extracts the stored filename from an address of
// chatID. Absolute URLs and API base-path prefixes are accepted; ok is false
// when the address points elsewhere.
func FilenameFromAddress(chatID, address string) (string, bool) {
	p := address
	if i := strings.Index(p, "://"); i >= 0 {
		rest := p[i+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "", false
		}
		p = rest[slash:]
	}
	if q := strings.IndexAny(p, "?#"); q >= 0 {
		p = p[:q]
	}
	prefix := AddressPrefix(chatID)
	i := strings.Index(p, prefix)
	if i < 0 {
		return "", false
	}
	name := path.Base(p[i+len(prefix):])
	if name == "" || name == "." || name == "/" {
		return "", false
	}
	return name, true
}

// Save validates and writes data, returning its address.
func (s *Store) Save(ctx context.Context, provider domain.Provider, userID, chatID, filename, mediaType string, data []byte) (*Stored, error) {
	cat, err := Validate(provider, mediaType, int64(len(data)))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, err := s.generateFilename(filename)
	if err != nil {
		return nil, err
	}
	dir := s.chatDir(userID, chatID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	return &Stored{
		Filename:     name,
		OriginalName: filename,
		MediaType:    mediaType,
		Size:         int64(len(data)),
		URL:          Address(chatID, name),
		Category:     cat,
	}, nil
}

// Read returns the bytes of a stored file.
func (s *Store) Read(userID, chatID, filename string) ([]byte, error) {
	b, err := os.ReadFile(s.Path(userID, chatID, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Stat reports the size of a stored file, or ErrNotFound.
func (s *Store) Stat(userID, chatID, filename string) (int64, error) {
	fi, err := os.Stat(s.Path(userID, chatID, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, ErrNotFound
	}
	return fi.Size(), nil
}

// Path returns the on-disk location of a file; every component is sanitized.
func (s *Store) Path(userID, chatID, filename string) string {
	return filepath.Join(s.chatDir(userID, chatID), sanitizeFilename(filename))
}

// DeleteAll removes every attachment of a conversation. A missing directory
// is not an error.
func (s *Store) DeleteAll(userID, chatID string) error {
	return os.RemoveAll(s.chatDir(userID, chatID))
}

func (s *Store) chatDir(userID, chatID string) string {
	return filepath.Join(s.root, sanitizeSegment(userID), sanitizeSegment(chatID))
}

func (s *Store) generateFilename(original string) (string, error) {
	safe := sanitizeFilename(original)
	if original == "" {
		safe = "file"
	}
	var rnd [4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s-%s", s.now().UnixMilli(), hex.EncodeToString(rnd[:]), safe), nil
}

var mimeByExtension = map[string]string{
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".webp": "image/webp",
	".gif": "image/gif", ".heic": "image/heic", ".heif": "image/heif", ".pdf": "application/pdf",
	".mp3": "audio/mpeg", ".mpeg": "audio/mpeg", ".mpga": "audio/mpeg", ".m4a": "audio/mp4",
	".mp4": "video/mp4", ".wav": "audio/wav", ".flac": "audio/flac", ".webm": "video/webm",
	".ogg": "audio/ogg", ".opus": "audio/opus", ".mov": "video/quicktime", ".avi": "video/x-msvideo",
	".flv": "video/x-flv", ".wmv": "video/x-ms-wmv", ".3gp": "video/3gpp", ".3gpp": "video/3gpp",
}

// ContentType maps a stored filename to the type served on download.
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := mimeByExtension[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
