package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the subscriptions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    invite_code   TEXT PRIMARY KEY,
    guild_id      TEXT NOT NULL UNIQUE,
    tier          TEXT NOT NULL,
    max_listeners INTEGER NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_guild ON subscriptions(guild_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database, for
// deployments that already run one.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// subscriptions table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("admission: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying pool if the store owns one. Stores built on
// a shared connection are unaffected.
func (s *PostgresStore) Close() error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// Ping verifies the database is reachable. Health checks call this.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

func (s *PostgresStore) Upsert(ctx context.Context, sub Subscription) (Subscription, error) {
	const query = `
		INSERT INTO subscriptions (invite_code, guild_id, tier, max_listeners)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (invite_code) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			tier = EXCLUDED.tier,
			max_listeners = EXCLUDED.max_listeners,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		sub.InviteCode, sub.GuildID, string(sub.Tier), sub.MaxListeners,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return Subscription{}, fmt.Errorf("%w: guild %s", ErrGuildConflict, sub.GuildID)
		}
		return Subscription{}, fmt.Errorf("admission: upsert: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Get(ctx context.Context, inviteCode string) (Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		WHERE invite_code = $1`
	return s.scanRow(s.db.QueryRow(ctx, query, inviteCode))
}

func (s *PostgresStore) GetByGuild(ctx context.Context, guildID string) (Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		WHERE guild_id = $1`
	return s.scanRow(s.db.QueryRow(ctx, query, guildID))
}

func (s *PostgresStore) Remove(ctx context.Context, inviteCode string) error {
	const query = `DELETE FROM subscriptions WHERE invite_code = $1`
	if _, err := s.db.Exec(ctx, query, inviteCode); err != nil {
		return fmt.Errorf("admission: remove %q: %w", inviteCode, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Subscription, error) {
	const query = `
		SELECT invite_code, guild_id, tier, max_listeners, created_at, updated_at
		FROM subscriptions
		ORDER BY guild_id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("admission: list: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		var tier string
		if err := rows.Scan(&sub.InviteCode, &sub.GuildID, &tier, &sub.MaxListeners, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("admission: list scan: %w", err)
		}
		sub.Tier = Tier(tier)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("admission: list: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) scanRow(row pgx.Row) (Subscription, error) {
	var sub Subscription
	var tier string
	err := row.Scan(&sub.InviteCode, &sub.GuildID, &tier, &sub.MaxListeners, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("admission: scan subscription: %w", err)
	}
	sub.Tier = Tier(tier)
	return sub, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
