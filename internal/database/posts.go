package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/tootarchive/internal/model"
)

// postSQL holds the dialect-specific statements for the posts table.
type postSQL struct {
	insert        string
	latest        string
	oldest        string
	nextPending   string
	markProcessed string
	stats         string
	list          string
}

const postColumns = "id, created_at, content, url, raw, media_processed, fetched_at"

var sqlitePostSQL = postSQL{
	insert: `INSERT INTO posts (id, created_at, content, url, raw, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
	latest:        "SELECT id FROM posts ORDER BY length(id) DESC, id DESC LIMIT 1",
	oldest:        "SELECT id FROM posts ORDER BY length(id) ASC, id ASC LIMIT 1",
	nextPending:   "SELECT " + postColumns + " FROM posts WHERE media_processed = 0 ORDER BY length(id) DESC, id DESC LIMIT 1",
	markProcessed: "UPDATE posts SET media_processed = 1 WHERE id = ? AND media_processed = 0",
	stats:         "SELECT COUNT(*), COALESCE(SUM(CASE WHEN media_processed = 0 THEN 1 ELSE 0 END), 0) FROM posts",
	list:          "SELECT " + postColumns + " FROM posts ORDER BY length(id) DESC, id DESC LIMIT ?",
}

var postgresPostSQL = postSQL{
	insert: `INSERT INTO posts (id, created_at, content, url, raw, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
	latest:        "SELECT id FROM posts ORDER BY length(id) DESC, id DESC LIMIT 1",
	oldest:        "SELECT id FROM posts ORDER BY length(id) ASC, id ASC LIMIT 1",
	nextPending:   "SELECT " + postColumns + " FROM posts WHERE media_processed = FALSE ORDER BY length(id) DESC, id DESC LIMIT 1",
	markProcessed: "UPDATE posts SET media_processed = TRUE WHERE id = $1 AND media_processed = FALSE",
	stats:         "SELECT COUNT(*), COALESCE(SUM(CASE WHEN media_processed THEN 0 ELSE 1 END), 0) FROM posts",
	list:          "SELECT " + postColumns + " FROM posts ORDER BY length(id) DESC, id DESC LIMIT $1",
}

// postTable implements the post operations shared by every backend.
type postTable struct {
	conn *sql.DB
	q    postSQL
}

// InsertIfAbsent inserts a post, ignoring duplicates.
func (t *postTable) InsertIfAbsent(ctx context.Context, post *model.Post) (bool, error) {
	if post.ID == "" {
		return false, errors.New("insert post: empty id")
	}
	fetchedAt := post.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx, t.q.insert,
		post.ID, nullTime(post.CreatedAt), post.Content, post.URL, string(post.Raw), fetchedAt)
	if err != nil {
		return false, fmt.Errorf("insert post %s: %w", post.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert post %s: rows affected: %w", post.ID, err)
	}
	return affected > 0, nil
}

// LatestID returns the highest stored id.
func (t *postTable) LatestID(ctx context.Context) (string, bool, error) {
	return t.queryID(ctx, t.q.latest, "latest id")
}

// OldestID returns the lowest stored id.
func (t *postTable) OldestID(ctx context.Context) (string, bool, error) {
	return t.queryID(ctx, t.q.oldest, "oldest id")
}

func (t *postTable) queryID(ctx context.Context, query, what string) (string, bool, error) {
	var id string
	err := t.conn.QueryRowContext(ctx, query).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query %s: %w", what, err)
	}
	return id, true, nil
}

// NextUnprocessedMediaPost returns the most recent post whose media has not been processed.
func (t *postTable) NextUnprocessedMediaPost(ctx context.Context) (model.Post, bool, error) {
	p, err := scanPost(t.conn.QueryRowContext(ctx, t.q.nextPending))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, false, nil
	}
	if err != nil {
		return model.Post{}, false, fmt.Errorf("query unprocessed media post: %w", err)
	}
	return p, true, nil
}

// MarkMediaProcessed flags a post's media as handled. Unknown ids are ignored.
func (t *postTable) MarkMediaProcessed(ctx context.Context, id string) error {
	if _, err := t.conn.ExecContext(ctx, t.q.markProcessed, id); err != nil {
		return fmt.Errorf("mark media processed %s: %w", id, err)
	}
	return nil
}

// Stats returns row counts and watermarks.
func (t *postTable) Stats(ctx context.Context) (model.Stats, error) {
	var s model.Stats
	if err := t.conn.QueryRowContext(ctx, t.q.stats).Scan(&s.Posts, &s.PendingMedia); err != nil {
		return s, fmt.Errorf("query stats: %w", err)
	}
	var err error
	if s.LatestID, _, err = t.LatestID(ctx); err != nil {
		return s, err
	}
	if s.OldestID, _, err = t.OldestID(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// ListPosts returns up to limit posts, newest first.
func (t *postTable) ListPosts(ctx context.Context, limit int) ([]model.Post, error) {
	rows, err := t.conn.QueryContext(ctx, t.q.list, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()
	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (model.Post, error) {
	var p model.Post
	var createdAt, fetchedAt sql.NullTime
	var raw string
	if err := row.Scan(&p.ID, &createdAt, &p.Content, &p.URL, &raw, &p.MediaProcessed, &fetchedAt); err != nil {
		return p, err
	}
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time
	}
	if fetchedAt.Valid {
		p.FetchedAt = fetchedAt.Time
	}
	p.Raw = json.RawMessage(raw)
	return p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
