package persister

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/heic": "heic",
	"image/gif":  "gif",
}

// ExtensionFor maps an image MIME type to a file extension, defaulting to jpg
func ExtensionFor(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := mimeExtensions[mt]; ok {
		return ext
	}
	return "jpg"
}

// SelfiePath is where a subject's source photo lives
func SelfiePath(subjectID, mimeType string) string {
	return fmt.Sprintf("coaches/%s/selfie.%s", subjectID, ExtensionFor(mimeType))
}

// AvatarPath is where a subject's avatar for one style lives. Rerunning a style
// writes the same path.
func AvatarPath(subjectID, style, format string) string {
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("coaches/%s/avatars/%s.%s", subjectID, Slug(style), format)
}

// SentImagePath is a per-call path for images sent to a recipient
func SentImagePath(recipientID string, at time.Time, format string) string {
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("users/%s/generated/%d.%s", recipientID, at.UnixMilli(), format)
}

// Slug lowercases a style tag and collapses everything but letters and digits into dashes.
// "Photographic (Default)" becomes "photographic-default".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
