// Package mastodon walks a Mastodon account's public statuses timeline.
package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

// Pacing defaults.
const (
	// DefaultPageDelay is the minimum spacing between page requests.
	DefaultPageDelay = time.Second
	// DefaultRateLimitCooldown is how long to wait after an HTTP 429.
	DefaultRateLimitCooldown = 60 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL   string // e.g. https://bne.social
	AccountID string

	// PageLimit is sent as ?limit= when positive.
	PageLimit         int
	PageDelay         time.Duration
	RateLimitCooldown time.Duration

	HTTPClient *http.Client
	Logger     logging.Logger
}

// Client fetches pages of an account's statuses.
type Client struct {
	endpoint  string
	http      *http.Client
	pageLimit int
	cooldown  time.Duration
	pacer     *rate.Limiter
	log       logging.Logger
}

// NewClient creates a client for the account's statuses endpoint.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.AccountID == "" {
		return nil, errors.New("account id is required")
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Client{
		endpoint:  base.JoinPath("api", "v1", "accounts", opts.AccountID, "statuses").String(),
		http:      opts.HTTPClient,
		pageLimit: opts.PageLimit,
		cooldown:  opts.RateLimitCooldown,
		pacer:     rate.NewLimiter(rate.Every(opts.PageDelay), 1),
		log:       opts.Logger,
	}, nil
}

// PageSink receives each non-empty page. Returning an error aborts the walk.
type PageSink func(ctx context.Context, items []json.RawMessage) error

// WalkStats counts what a walk saw.
type WalkStats struct {
	Pages       int `json:"pages"`
	Items       int `json:"items"`
	RateLimited int `json:"rate_limited"`
}

type page struct {
	items []json.RawMessage
	link  string
}

// Walk fetches pages starting at start and following the Link header in
// start's direction until an empty page or a missing continuation.
// Any non-429 HTTP failure ends the walk with an error.
func (c *Client) Walk(ctx context.Context, start Cursor, sink PageSink) (WalkStats, error) {
	var stats WalkStats
	cur := start
	for {
		p, err := c.fetchPage(ctx, cur, &stats)
		if err != nil {
			return stats, err
		}
		if len(p.items) == 0 {
			c.log.Info(ctx, "reached end of timeline", "cursor", cur.String())
			return stats, nil
		}
		stats.Pages++
		stats.Items += len(p.items)
		if err := sink(ctx, p.items); err != nil {
			return stats, fmt.Errorf("store page %s: %w", cur, err)
		}

		next, ok, err := nextCursor(cur.Direction, p.link)
		if err != nil {
			return stats, err
		}
		if !ok {
			c.log.Info(ctx, "no further pages", "cursor", cur.String())
			return stats, nil
		}
		if !advances(cur, next) {
			c.log.Warn(ctx, "pagination cursor did not advance, stopping", "cursor", cur.String(), "next", next.String())
			return stats, nil
		}
		cur = next
	}
}

// advances reports whether next moves strictly past cur in cur's direction.
func advances(cur, next Cursor) bool {
	if cur.ID == "" {
		return true
	}
	cmp := model.CompareIDs(next.ID, cur.ID)
	if cur.Direction == Forward {
		return cmp > 0
	}
	return cmp < 0
}

// PageURL returns the request URL for a cursor.
func (c *Client) PageURL(cur Cursor) string {
	v := cur.Values()
	if c.pageLimit > 0 {
		v.Set("limit", strconv.Itoa(c.pageLimit))
	}
	if len(v) == 0 {
		return c.endpoint
	}
	return c.endpoint + "?" + v.Encode()
}

func (c *Client) fetchPage(ctx context.Context, cur Cursor, stats *WalkStats) (page, error) {
	u := c.PageURL(cur)
	var p page
	err := retry.Do(ctx, retry.NewConstant(c.cooldown), func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		c.log.Info(ctx, "fetching page", "url", u)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("get %s: %w", u, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			stats.RateLimited++
			c.log.Warn(ctx, "rate limited, cooling down", "url", u, "cooldown", c.cooldown.String())
			return retry.RetryableError(&StatusError{Code: resp.StatusCode, URL: u})
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, URL: u, Body: strings.TrimSpace(string(body))}
		}

		var items []json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return fmt.Errorf("decode page %s: %w", u, err)
		}
		p = page{items: items, link: resp.Header.Get("Link")}
		return nil
	})
	return p, err
}
