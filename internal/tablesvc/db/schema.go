package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RowChangeChannel is the LISTEN/NOTIFY channel the row triggers write to.
const RowChangeChannel = "row_changes"

// CreateSchema creates all tables needed by the services.
// Safe to call multiple times - uses IF NOT EXISTS / OR REPLACE.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS players (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    avatar TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_players_name ON players (lower(name));

CREATE TABLE IF NOT EXISTS poker_tables (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    join_code CHAR(4) NOT NULL CHECK (join_code ~ '^[0-9]{4}$'),
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'ended')),
    admin_player_id TEXT REFERENCES players(id) ON DELETE SET NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_join_code ON poker_tables (join_code) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS table_players (
    id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES poker_tables(id) ON DELETE CASCADE,
    player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
    status TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT unique_table_player UNIQUE (table_id, player_id)
);

CREATE TABLE IF NOT EXISTS join_requests (
    id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES poker_tables(id) ON DELETE CASCADE,
    player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uniq_live_join_request ON join_requests (table_id, player_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS buy_in_requests (
    id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES poker_tables(id) ON DELETE CASCADE,
    player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
    amount NUMERIC(14, 2) NOT NULL CHECK (amount <> 0),
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_buy_in_requests_table ON buy_in_requests (table_id, status);

CREATE TABLE IF NOT EXISTS buy_ins (
    id TEXT PRIMARY KEY,
    table_id TEXT NOT NULL REFERENCES poker_tables(id) ON DELETE CASCADE,
    player_id TEXT NOT NULL REFERENCES players(id) ON DELETE CASCADE,
    request_id TEXT UNIQUE REFERENCES buy_in_requests(id),
    amount NUMERIC(14, 2) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_buy_ins_table ON buy_ins (table_id, created_at DESC);

CREATE OR REPLACE FUNCTION notify_row_change() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('row_changes', json_build_object(
        'collection', TG_TABLE_NAME,
        'op', TG_OP,
        'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
        'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
    )::text);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS poker_tables_notify ON poker_tables;
CREATE TRIGGER poker_tables_notify AFTER INSERT OR UPDATE OR DELETE ON poker_tables
    FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS table_players_notify ON table_players;
CREATE TRIGGER table_players_notify AFTER INSERT OR UPDATE OR DELETE ON table_players
    FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS join_requests_notify ON join_requests;
CREATE TRIGGER join_requests_notify AFTER INSERT OR UPDATE OR DELETE ON join_requests
    FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS buy_in_requests_notify ON buy_in_requests;
CREATE TRIGGER buy_in_requests_notify AFTER INSERT OR UPDATE OR DELETE ON buy_in_requests
    FOR EACH ROW EXECUTE FUNCTION notify_row_change();

DROP TRIGGER IF EXISTS buy_ins_notify ON buy_ins;
CREATE TRIGGER buy_ins_notify AFTER INSERT OR UPDATE OR DELETE ON buy_ins
    FOR EACH ROW EXECUTE FUNCTION notify_row_change();
`
