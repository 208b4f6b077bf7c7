package mastodon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

// ErrNoStatusIDs is returned when a feed has no item linking to a status.
var ErrNoStatusIDs = errors.New("feed has no status links")

// FeedProbe reads the account's public RSS feed to learn its newest status
// id without touching the rate-limited API.
type FeedProbe struct {
	url    string
	parser *gofeed.Parser
}

// NewFeedProbe creates a probe for feedURL (e.g. https://host/@user.rss).
func NewFeedProbe(feedURL string, client *http.Client) *FeedProbe {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	return &FeedProbe{url: feedURL, parser: parser}
}

// LatestID returns the highest status id linked from the feed.
func (p *FeedProbe) LatestID(ctx context.Context) (string, error) {
	feed, err := p.parser.ParseURLWithContext(p.url, ctx)
	if err != nil {
		return "", fmt.Errorf("parse feed %s: %w", p.url, err)
	}
	latest := ""
	for _, item := range feed.Items {
		for _, link := range []string{item.Link, item.GUID} {
			id := statusIDFromLink(link)
			if id != "" && (latest == "" || model.CompareIDs(id, latest) > 0) {
				latest = id
			}
		}
	}
	if latest == "" {
		return "", ErrNoStatusIDs
	}
	return latest, nil
}

// statusIDFromLink returns the trailing numeric path segment of a status
// permalink such as https://host/@user/110123456789, or "".
func statusIDFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if id == "" || strings.TrimLeft(id, "0123456789") != "" {
		return ""
	}
	return id
}
