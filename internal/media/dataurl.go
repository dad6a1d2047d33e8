package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotDataURL is returned for URLs without the data: scheme.
var ErrNotDataURL = errors.New("media: not a data URL")

// IsDataURL reports whether s uses the data: scheme.
func IsDataURL(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// DecodeDataURL returns the payload and media type of an RFC 2397 URL.
func DecodeDataURL(s string) ([]byte, string, error) {
	if !IsDataURL(s) {
		return nil, "", ErrNotDataURL
	}
	header, payload, ok := strings.Cut(s[5:], ",")
	if !ok {
		return nil, "", errors.New("media: data URL has no payload separator")
	}
	params := strings.Split(header, ";")
	contentType := strings.TrimSpace(params[0])
	if contentType == "" {
		contentType = "text/plain"
	}
	encoded := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			encoded = true
		}
	}
	if !encoded {
		raw, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("media: decode data URL: %w", err)
		}
		return []byte(raw), contentType, nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); err != nil {
			return nil, "", fmt.Errorf("media: decode data URL: %w", err)
		}
	}
	return data, contentType, nil
}

var preferredExt = map[string]string{
	"image/jpeg": ".jpg", "image/png": ".png", "image/gif": ".gif", "image/webp": ".webp",
	"image/bmp": ".bmp", "image/tiff": ".tiff", "image/svg+xml": ".svg", "image/x-icon": ".ico",
	"video/mp4": ".mp4", "video/webm": ".webm", "video/quicktime": ".mov",
	"application/pdf": ".pdf", "text/plain": ".txt", "application/json": ".json",
}

// ExtensionFor returns a filename extension for common upload types.
func ExtensionFor(contentType string) string {
	if e, ok := preferredExt[contentType]; ok {
		return e
	}
	return ".bin"
}
