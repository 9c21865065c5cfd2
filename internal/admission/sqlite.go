package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	invite_code   TEXT PRIMARY KEY,
	guild_id      TEXT NOT NULL UNIQUE,
	tier          TEXT NOT NULL,
	max_listeners INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_guild ON subscriptions(guild_id);
`

// SQLiteStore keeps subscriptions in a local SQLite database. It is the
// default backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the subscription database at path
// and applies the schema. The special path ":memory:" opens a throwaway
// in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("admission: create database directory: %w", err)
			}
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("admission: open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("admission: ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("admission: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, sub Subscription) (Subscription, error) {
	const query = `
		INSERT INTO subscriptions (invite_code, guild_id, tier, max_listeners)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(invite_code) DO UPDATE SET
			guild_id      = excluded.guild_id,
			tier          = excluded.tier,
			max_listeners = excluded.max_listeners,
			updated_at    = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, sub.InviteCode, sub.GuildID, string(sub.Tier), sub.MaxListeners).
		Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Subscription{}, fmt.Errorf("%w: guild %s", ErrGuildConflict, sub.GuildID)
		}
		return Subscription{}, fmt.Errorf("admission: upsert subscription: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) Get(ctx context.Context, inviteCode string) (Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		WHERE invite_code = ?`
	return scanSubscription(s.db.QueryRowContext(ctx, query, inviteCode))
}

func (s *SQLiteStore) GetByGuild(ctx context.Context, guildID string) (Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		WHERE guild_id = ?`
	return scanSubscription(s.db.QueryRowContext(ctx, query, guildID))
}

func (s *SQLiteStore) Remove(ctx context.Context, inviteCode string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE invite_code = ?`, inviteCode); err != nil {
		return fmt.Errorf("admission: remove subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		ORDER BY guild_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("admission: list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var tier string
		if err := rows.Scan(&sub.InviteCode, &sub.GuildID, &tier, &sub.MaxListeners, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("admission: scan subscription: %w", err)
		}
		sub.Tier = Tier(tier)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("admission: list subscriptions: %w", err)
	}
	return subs, nil
}

// Ping verifies the database is reachable. Health checks call this.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSubscription(row *sql.Row) (Subscription, error) {
	var sub Subscription
	var tier string
	err := row.Scan(&sub.InviteCode, &sub.GuildID, &tier, &sub.MaxListeners, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("admission: scan subscription: %w", err)
	}
	sub.Tier = Tier(tier)
	return sub, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. The driver has no typed error for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
