package asset

import (
	"path"
	"strings"
)

const maxNameLength = 200

// SanitizeName reduces name to [A-Za-z0-9._-], collapsing runs of replaced
// characters into a single underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	lastReplaced := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
			lastReplaced = false
		default:
			if !lastReplaced {
				b.WriteByte('_')
				lastReplaced = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxNameLength {
		ext := path.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:maxNameLength-len(ext)] + ext
	}
	return out
}

// DisplayName builds the destination filename for an asset: the sanitized
// title (falling back to the ID) with an extension derived from format or kind.
func DisplayName(title, id, format string, kind Kind) string {
	base := SanitizeName(title)
	if base == "" {
		base = SanitizeName(id)
	}
	if base == "" {
		base = "asset"
	}

	ext := strings.ToLower(strings.TrimPrefix(SanitizeName(format), "."))
	if ext == "" {
		ext = DefaultExtension(kind)
	}
	if strings.EqualFold(path.Ext(base), "."+ext) {
		return base
	}
	return base + "." + ext
}

// DefaultExtension is used when the provider does not report a format.
func DefaultExtension(kind Kind) string {
	if kind == KindVideo {
		return "mp4"
	}
	return "jpg"
}

// ContentType guesses a MIME type from a filename extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".webm":
		return "video/webm"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
