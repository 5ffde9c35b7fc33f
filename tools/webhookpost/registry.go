package webhookpost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/envelope"

	_ "modernc.org/sqlite"
)

// Record maps one article key to the remote messages it produced.
type Record struct {
	ArticleKey  string
	WebhookHash string
	MessageIDs  []string
	EmbedCounts []int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registry is the disk-resident article registry. Writes run in immediate
// transactions so one writer per article key wins; readers proceed under WAL.
type Registry struct {
	db *sql.DB
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS posts (
	article_key        TEXT PRIMARY KEY,
	webhook_hash       TEXT NOT NULL,
	message_ids_json   TEXT NOT NULL,
	embeds_counts_json TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
)`

// OpenRegistry opens or creates the registry file.
func OpenRegistry(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open registry %s", path)
	}
	// modernc sqlite serializes writes through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(registrySchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize registry %s", path)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Get returns the record for an article key.
func (r *Registry) Get(ctx context.Context, key string) (*Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT article_key, webhook_hash, message_ids_json, embeds_counts_json, created_at, updated_at
		 FROM posts WHERE article_key = ?`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, envelope.NotFound("no posted article with key %q", key).
			WithField("article_key", key)
	}
	return rec, err
}

// Create inserts a new record; an existing key is a conflict.
func (r *Registry) Create(ctx context.Context, rec *Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin registry transaction")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE article_key = ?`, rec.ArticleKey).Scan(&exists)
	if err == nil {
		return envelope.Conflict("article %q is already posted", rec.ArticleKey).
			WithField("article_key", rec.ArticleKey).
			WithHint("use update or upsert to modify an existing article")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "registry lookup failed")
	}

	ids, counts := mustJSON(rec.MessageIDs), mustJSON(rec.EmbedCounts)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO posts (article_key, webhook_hash, message_ids_json, embeds_counts_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ArticleKey, rec.WebhookHash, ids, counts, now, now)
	if err != nil {
		return errors.Wrap(err, "registry insert failed")
	}
	return errors.Wrap(tx.Commit(), "registry commit failed")
}

// Update replaces the stored messages for an existing key.
func (r *Registry) Update(ctx context.Context, rec *Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin registry transaction")
	}
	defer tx.Rollback()

	ids, counts := mustJSON(rec.MessageIDs), mustJSON(rec.EmbedCounts)
	res, err := tx.ExecContext(ctx,
		`UPDATE posts SET webhook_hash = ?, message_ids_json = ?, embeds_counts_json = ?, updated_at = ?
		 WHERE article_key = ?`,
		rec.WebhookHash, ids, counts, time.Now().UTC().Format(time.RFC3339), rec.ArticleKey)
	if err != nil {
		return errors.Wrap(err, "registry update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return envelope.NotFound("no posted article with key %q", rec.ArticleKey).
			WithField("article_key", rec.ArticleKey)
	}
	return errors.Wrap(tx.Commit(), "registry commit failed")
}

// Delete removes the record, reporting whether a row existed.
func (r *Registry) Delete(ctx context.Context, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE article_key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "registry delete failed")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns every record, newest update first.
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT article_key, webhook_hash, message_ids_json, embeds_counts_json, created_at, updated_at
		 FROM posts ORDER BY updated_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "registry query failed")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "registry scan failed")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var ids, counts, created, updated string
	if err := row.Scan(&rec.ArticleKey, &rec.WebhookHash, &ids, &counts, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &rec.MessageIDs); err != nil {
		return nil, errors.Wrap(err, "corrupt message_ids_json")
	}
	if err := json.Unmarshal([]byte(counts), &rec.EmbedCounts); err != nil {
		return nil, errors.Wrap(err, "corrupt embeds_counts_json")
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &rec, nil
}

func mustJSON(v any) string {
	bs, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(bs)
}
