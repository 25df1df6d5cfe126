package llm

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeDataURL parses a base64 data URL of the form data:<type>;base64,<payload>.
func DecodeDataURL(u string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data URL", ErrUnsupportedAttachment)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data URL", ErrUnsupportedAttachment)
	}
	mediaType, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("%w: data URL is not base64", ErrUnsupportedAttachment)
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedAttachment, err)
	}
	return mediaType, data, nil
}
