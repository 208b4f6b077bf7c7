package media

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

// ErrInvalidAttachment marks an attachment that cannot be stored safely.
var ErrInvalidAttachment = errors.New("invalid attachment")

// Extension returns the file extension for an attachment, including the dot.
// The URL's own extension wins; otherwise it is inferred from the type.
func Extension(att model.Attachment) string {
	if u, err := url.Parse(att.URL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && ext != "." {
			return ext
		}
	}
	switch att.Type {
	case model.AttachmentImage:
		return ".jpg"
	case model.AttachmentVideo, model.AttachmentGifv:
		return ".mp4"
	default:
		return ".bin"
	}
}

// Destination returns root/<postID>/<attachmentID><ext>.
// Both ids must be plain path segments.
func Destination(root, postID string, att model.Attachment) (string, error) {
	if !safeSegment(postID) {
		return "", fmt.Errorf("%w: post id %q", ErrInvalidAttachment, postID)
	}
	if !safeSegment(att.ID) {
		return "", fmt.Errorf("%w: attachment id %q", ErrInvalidAttachment, att.ID)
	}
	return filepath.Join(root, postID, att.ID+Extension(att)), nil
}

func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}
