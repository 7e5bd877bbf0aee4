package pipeline

import (
	"fmt"
	"strings"

	"github.com/avatarforge/api/internal/models"
)

// MaxSourceImageBytes bounds an uploaded selfie
const MaxSourceImageBytes = 10 << 20

// ValidateGeneration rejects malformed avatar requests before any network call
func (c *Coordinator) ValidateGeneration(req models.GenerationRequest) error {
	if err := ValidateID("subjectId", req.SubjectID); err != nil {
		return err
	}

	hasImage, hasURL := len(req.Image) > 0, strings.TrimSpace(req.SourceURL) != ""
	switch {
	case hasImage && hasURL:
		return &ValidationError{Field: "image", Message: "provide either image bytes or a source URL, not both"}
	case !hasImage && !hasURL:
		return &ValidationError{Field: "image", Message: "a source image is required"}
	case hasImage && len(req.Image) > MaxSourceImageBytes:
		return &ValidationError{Field: "image", Message: fmt.Sprintf("image exceeds %d bytes", MaxSourceImageBytes)}
	case hasImage && !strings.HasPrefix(strings.ToLower(req.MimeType), "image/"):
		return &ValidationError{Field: "mimeType", Message: fmt.Sprintf("%q is not an image type", req.MimeType)}
	case hasURL && !isHTTPURL(req.SourceURL):
		return &ValidationError{Field: "sourceUrl", Message: "must be an http(s) URL"}
	}

	if len(req.StylePlan) == 0 {
		return &ValidationError{Field: "styles", Message: "at least one style is required"}
	}
	seen := make(map[string]struct{}, len(req.StylePlan))
	for _, style := range req.StylePlan {
		if _, ok := c.catalog.Lookup(style); !ok {
			return &ValidationError{Field: "styles", Message: fmt.Sprintf("unknown style %q", style)}
		}
		if _, dup := seen[style]; dup {
			return &ValidationError{Field: "styles", Message: fmt.Sprintf("duplicate style %q", style)}
		}
		seen[style] = struct{}{}
	}
	return nil
}

func validateSend(req models.SendImageRequest) error {
	if err := ValidateID("recipientId", req.RecipientID); err != nil {
		return err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "is required"}
	}
	return nil
}

// ValidateID keeps ids usable as a single storage path segment
func ValidateID(field, id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &ValidationError{Field: field, Message: "is required"}
	case len(id) > 128:
		return &ValidationError{Field: field, Message: "is too long"}
	case strings.ContainsAny(id, "/\\") || id == "." || id == "..":
		return &ValidationError{Field: field, Message: "must not contain path separators"}
	}
	return nil
}

func isHTTPURL(s string) bool {
	s = strings.ToLower(s)
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
