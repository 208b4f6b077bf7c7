package mastodon

import (
	"fmt"
	"net/url"
	"regexp"
)

// Direction selects which way a walk moves through the timeline.
type Direction int

const (
	// Forward walks toward newer statuses (min_id).
	Forward Direction = iota
	// Backward walks toward older statuses (max_id).
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// param is the query parameter carrying the cursor id.
func (d Direction) param() string {
	if d == Forward {
		return "min_id"
	}
	return "max_id"
}

// rel is the Link relation pointing further in this direction.
// Mastodon's "prev" link carries min_id (newer), "next" carries max_id (older).
func (d Direction) rel() string {
	if d == Forward {
		return "prev"
	}
	return "next"
}

// Cursor points at one page of the timeline. An empty ID means the newest page.
type Cursor struct {
	Direction Direction
	ID        string
}

// Values returns the query parameters selecting the page.
func (c Cursor) Values() url.Values {
	v := url.Values{}
	if c.ID != "" {
		v.Set(c.Direction.param(), c.ID)
	}
	return v
}

func (c Cursor) String() string {
	if c.ID == "" {
		return c.Direction.String() + "@newest"
	}
	return c.Direction.String() + "@" + c.ID
}

var linkPart = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="([^"]+)"`)

// ParseLinkHeader parses an RFC 8288 style Link header into rel -> URL.
func ParseLinkHeader(header string) map[string]string {
	links := make(map[string]string)
	for _, m := range linkPart.FindAllStringSubmatch(header, -1) {
		links[m[2]] = m[1]
	}
	return links
}

// nextCursor extracts the cursor that continues a walk in direction d from
// a page's Link header. ok is false when the header offers no continuation.
func nextCursor(d Direction, linkHeader string) (Cursor, bool, error) {
	raw, ok := ParseLinkHeader(linkHeader)[d.rel()]
	if !ok {
		return Cursor{}, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Cursor{}, false, fmt.Errorf("%w: %q: %v", ErrInvalidCursor, raw, err)
	}
	id := u.Query().Get(d.param())
	if id == "" {
		return Cursor{}, false, nil
	}
	return Cursor{Direction: d, ID: id}, true, nil
}
