package repositories

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// DB is the subset of *pgxpool.Pool the Postgres repositories need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallet_passes (
    serial_number        TEXT PRIMARY KEY,
    pass_type_identifier TEXT NOT NULL,
    owning_identity      TEXT NOT NULL,
    content              JSONB NOT NULL,
    content_hash         TEXT NOT NULL,
    version              BIGINT NOT NULL,
    last_modified        TIMESTAMPTZ NOT NULL,
    row_version          BIGINT NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallet_registrations (
    device_library_identifier TEXT NOT NULL,
    serial_number             TEXT NOT NULL,
    pass_type_identifier      TEXT NOT NULL,
    push_token                TEXT NOT NULL,
    owning_identity           TEXT NOT NULL,
    created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (device_library_identifier, serial_number)
);

CREATE INDEX IF NOT EXISTS wallet_registrations_owner_idx
    ON wallet_registrations (owning_identity);
`

// EnsureSchema creates the wallet tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, schemaSQL)
	return err
}
