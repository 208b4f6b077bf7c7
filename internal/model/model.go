// Package model defines shared data structures.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Post is one status mirrored from the remote account.
type Post struct {
	ID             string // remote status id, the ordering key
	CreatedAt      time.Time
	Content        string
	URL            string
	Raw            json.RawMessage // full original payload
	MediaProcessed bool
	FetchedAt      time.Time
}

// Attachment is a media attachment referenced by a post's raw payload.
// It is never stored as a row.
type Attachment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Attachment type hints used for extension inference.
const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
	AttachmentGifv  = "gifv"
)

// Watermarks are the id bounds currently present in the store.
// An empty string means the store holds no posts.
type Watermarks struct {
	LatestID string `json:"latest_id,omitempty"`
	OldestID string `json:"oldest_id,omitempty"`
}

// Stats summarises the store for status reporting.
type Stats struct {
	Watermarks
	Posts        int64 `json:"posts"`
	PendingMedia int64 `json:"pending_media"`
}

// CompareIDs orders status ids the way the store does: shorter ids sort
// first, equal lengths compare lexicographically. For decimal ids without
// leading zeros this is numeric order.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
