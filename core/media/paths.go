package media

import (
	"path"
	"strings"
)

// UploadsPrefix is the URL prefix of locally served uploads.
const UploadsPrefix = "/static/uploads/"

// NormalizePath returns the canonical form of an image reference.
// Absolute URLs (http, https, protocol-relative, data) are returned untouched; legacy relative paths
// (`static/uploads/x.png`, `uploads/x.png`, `x.png`, windows separators) become `/static/uploads/x.png`.
// Other paths under `static/` are only made absolute.
// NormalizePath is idempotent.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	lower := strings.ToLower(p)
	for _, scheme := range []string{"http://", "https://", "//", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return p
		}
	}

	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	switch {
	case p == "" || p == ".":
		return ""
	case strings.HasPrefix(p, "static/"):
		return "/" + p
	case strings.HasPrefix(p, "uploads/"):
		return UploadsPrefix + strings.TrimPrefix(p, "uploads/")
	}
	return UploadsPrefix + p
}
