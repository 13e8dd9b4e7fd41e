package vision

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const dataURLPrefix = "data:image/"

var (
	ErrNotImage    = errors.New("not an image data URL")
	ErrNotBase64   = errors.New("data URL is not base64 encoded")
	ErrImageTooBig = errors.New("image exceeds size limit")
)

// ParseDataURL decodes a "data:image/<subtype>;base64,<payload>" string and
// returns the MIME type and raw bytes. maxBytes <= 0 disables the size check.
func ParseDataURL(s string, maxBytes int) (string, []byte, error) {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return "", nil, ErrNotImage
	}
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload", ErrNotImage)
	}
	mime, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return "", nil, ErrNotBase64
	}
	if mime == "image/" {
		return "", nil, fmt.Errorf("%w: missing subtype", ErrNotImage)
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+3 {
		return "", nil, ErrImageTooBig
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decode base64: %w", err)
		}
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty payload", ErrNotImage)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return "", nil, ErrImageTooBig
	}
	return mime, data, nil
}

// EncodeDataURL is the inverse of ParseDataURL.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
