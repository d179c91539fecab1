package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ensureSchema applies the (idempotent) DDL for the launch engine:
//   - trust registry (lti_platforms, lti_tools)
//   - in-flight launches with unique state/nonce indexes and a sweep index
//   - permanently consumed nonces
//   - registration/launch audit trail
func ensureSchema(ctx context.Context, sqlDB *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	default:
		return fmt.Errorf("db: unsupported driver %q", driver)
	}

	// Try the whole script at once; fall back to statement-by-statement if
	// the driver rejects multi-statement execs.
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := sqlDB.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("db: migration failed at %q: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  id              TEXT PRIMARY KEY,
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  jwks_url        TEXT NOT NULL,
  auth_url        TEXT NOT NULL,
  token_url       TEXT NOT NULL,
  deployment_ids  TEXT NOT NULL,           -- JSON array
  org_ref         TEXT,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (issuer, client_id),
  CHECK (json_valid(deployment_ids))
);

CREATE TABLE IF NOT EXISTS lti_tools (
  id              TEXT PRIMARY KEY,
  client_id       TEXT NOT NULL UNIQUE,
  name            TEXT NOT NULL,
  redirect_uris   TEXT NOT NULL,           -- JSON array, exact-match only
  placement       TEXT NOT NULL,
  mode            TEXT NOT NULL DEFAULT 'lti-1.3',
  signing_kid     TEXT,
  secret_hash     TEXT,
  org_ref         TEXT,
  status          TEXT NOT NULL DEFAULT 'ACTIVE',
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  CHECK (json_valid(redirect_uris)),
  CHECK (status IN ('ACTIVE','SUSPENDED'))
);

CREATE TABLE IF NOT EXISTS launches (
  id              TEXT PRIMARY KEY,
  state           TEXT NOT NULL,
  nonce           TEXT NOT NULL,
  platform_id     TEXT NOT NULL,
  tool_id         TEXT NOT NULL,
  status          TEXT NOT NULL,
  user_id         TEXT,
  failure_reason  TEXT,
  created_at      BIGINT NOT NULL,         -- unix seconds
  expires_at      BIGINT NOT NULL,
  CHECK (status IN ('INITIATED','OIDC_INITIATED','COMPLETED','FAILED','EXPIRED'))
);
CREATE UNIQUE INDEX IF NOT EXISTS launches_state_idx ON launches (state);
CREATE UNIQUE INDEX IF NOT EXISTS launches_nonce_idx ON launches (nonce);
CREATE INDEX IF NOT EXISTS launches_sweep_idx ON launches (status, expires_at);

CREATE TABLE IF NOT EXISTS consumed_nonces (
  nonce           TEXT PRIMARY KEY,
  launch_id       TEXT NOT NULL,
  consumed_at     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_audit (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  ts              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  action          TEXT NOT NULL,
  subject         TEXT NOT NULL,
  details         TEXT
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  id              TEXT PRIMARY KEY,
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  jwks_url        TEXT NOT NULL,
  auth_url        TEXT NOT NULL,
  token_url       TEXT NOT NULL,
  deployment_ids  JSONB NOT NULL,
  org_ref         TEXT,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (issuer, client_id)
);

CREATE TABLE IF NOT EXISTS lti_tools (
  id              TEXT PRIMARY KEY,
  client_id       TEXT NOT NULL UNIQUE,
  name            TEXT NOT NULL,
  redirect_uris   JSONB NOT NULL,
  placement       TEXT NOT NULL,
  mode            TEXT NOT NULL DEFAULT 'lti-1.3',
  signing_kid     TEXT,
  secret_hash     TEXT,
  org_ref         TEXT,
  status          TEXT NOT NULL DEFAULT 'ACTIVE',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  CHECK (status IN ('ACTIVE','SUSPENDED'))
);

CREATE TABLE IF NOT EXISTS launches (
  id              TEXT PRIMARY KEY,
  state           TEXT NOT NULL,
  nonce           TEXT NOT NULL,
  platform_id     TEXT NOT NULL,
  tool_id         TEXT NOT NULL,
  status          TEXT NOT NULL,
  user_id         TEXT,
  failure_reason  TEXT,
  created_at      BIGINT NOT NULL,
  expires_at      BIGINT NOT NULL,
  CHECK (status IN ('INITIATED','OIDC_INITIATED','COMPLETED','FAILED','EXPIRED'))
);
CREATE UNIQUE INDEX IF NOT EXISTS launches_state_idx ON launches (state);
CREATE UNIQUE INDEX IF NOT EXISTS launches_nonce_idx ON launches (nonce);
CREATE INDEX IF NOT EXISTS launches_sweep_idx ON launches (status, expires_at);

CREATE TABLE IF NOT EXISTS consumed_nonces (
  nonce           TEXT PRIMARY KEY,
  launch_id       TEXT NOT NULL,
  consumed_at     BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_audit (
  id              BIGSERIAL PRIMARY KEY,
  ts              TIMESTAMPTZ NOT NULL DEFAULT now(),
  action          TEXT NOT NULL,
  subject         TEXT NOT NULL,
  details         JSONB
);
`
