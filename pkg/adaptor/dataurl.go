package adaptor

import (
	"encoding/base64"
	"net/url"
	"strings"
)

const defaultMediaType = "application/octet-stream"

// ParseDataURL splits an RFC 2397 data URL into its media type and a
// base64-encoded payload. Non-base64 data is percent-decoded and
// re-encoded; a missing media type defaults to application/octet-stream.
// Invalid base64 reports ok=false so callers can drop the part instead of
// failing the request.
func ParseDataURL(s string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(s, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}

	isBase64 := strings.HasSuffix(meta, ";base64")
	if isBase64 {
		meta = strings.TrimSuffix(meta, ";base64")
	}
	mediaType = meta
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	if mediaType == "" {
		mediaType = defaultMediaType
	}

	if isBase64 {
		decoded, err := base64.StdEncoding.Strict().DecodeString(payload)
		if err != nil {
			return "", "", false
		}
		return mediaType, base64.StdEncoding.EncodeToString(decoded), true
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return "", "", false
	}
	return mediaType, base64.StdEncoding.EncodeToString([]byte(decoded)), true
}
