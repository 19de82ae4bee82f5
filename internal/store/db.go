// Package store persists the last known sales ranking to an embedded SQLite
// database so a restarted process can serve something before its first
// successful fetch. Writes are best-effort; the request path never waits on
// or fails because of this store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the snapshot database.
type DB struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at dataDir/opsdeck.db,
// configures WAL mode and bootstraps the schema.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "opsdeck.db")
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping snapshot db: %w", err)
	}
	// Single writer keeps the delete-then-insert snapshot transaction simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ranking_snapshots (
			day       TEXT NOT NULL,
			org       TEXT NOT NULL,
			position  INTEGER NOT NULL,
			seller_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			team      TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			amount    REAL NOT NULL,
			saved_at  TEXT NOT NULL,
			PRIMARY KEY (day, org, position)
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_org_day ON ranking_snapshots(org, day);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap snapshot schema: %w", err)
	}

	slog.Info("snapshot database opened", "path", dbPath)
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Row is one persisted ranking position.
type Row struct {
	Position int
	SellerID string
	Name     string
	Team     string
	PhotoURL string
	Amount   float64
}

// SaveRanking replaces the persisted ranking for (day, org) in a single
// transaction: today's rows are deleted, then the new set inserted.
func (d *DB) SaveRanking(ctx context.Context, org, day string, rows []Row) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM ranking_snapshots WHERE day = @day AND org = @org",
		sql.Named("day", day), sql.Named("org", org),
	); err != nil {
		return fmt.Errorf("clear snapshot rows: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ranking_snapshots (day, org, position, seller_id, name, team, photo_url, amount, saved_at)
			VALUES (@day, @org, @position, @seller_id, @name, @team, @photo_url, @amount, @saved_at)`,
			sql.Named("day", day),
			sql.Named("org", org),
			sql.Named("position", r.Position),
			sql.Named("seller_id", r.SellerID),
			sql.Named("name", r.Name),
			sql.Named("team", r.Team),
			sql.Named("photo_url", r.PhotoURL),
			sql.Named("amount", r.Amount),
			sql.Named("saved_at", now),
		); err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// LastRanking returns the most recently persisted ranking for org, in
// position order. An empty slice means nothing was ever persisted.
func (d *DB) LastRanking(ctx context.Context, org string) ([]Row, error) {
	var day sql.NullString
	err := d.db.QueryRowContext(ctx,
		"SELECT MAX(day) FROM ranking_snapshots WHERE org = @org",
		sql.Named("org", org),
	).Scan(&day)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("find latest snapshot day: %w", err)
	}
	if !day.Valid || day.String == "" {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT position, seller_id, name, team, photo_url, amount
		FROM ranking_snapshots
		WHERE org = @org AND day = @day
		ORDER BY position`,
		sql.Named("org", org), sql.Named("day", day.String),
	)
	if err != nil {
		return nil, fmt.Errorf("read snapshot rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Position, &r.SellerID, &r.Name, &r.Team, &r.PhotoURL, &r.Amount); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
