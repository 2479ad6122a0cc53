package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS zones (
  id {{pk}},
  floor_number INTEGER NOT NULL,
  aisle_code TEXT NOT NULL,
  created_at {{ts}} NOT NULL,
  UNIQUE (floor_number, aisle_code)
);

CREATE TABLE IF NOT EXISTS shelves (
  id {{pk}},
  zone_id BIGINT NOT NULL REFERENCES zones(id),
  name TEXT NOT NULL,
  created_at {{ts}} NOT NULL,
  UNIQUE (zone_id, name)
);

CREATE TABLE IF NOT EXISTS shelf_levels (
  id {{pk}},
  shelf_id BIGINT NOT NULL REFERENCES shelves(id),
  level_number INTEGER NOT NULL,
  created_at {{ts}} NOT NULL,
  UNIQUE (shelf_id, level_number)
);

CREATE TABLE IF NOT EXISTS reservations (
  id {{pk}},
  user_id BIGINT NOT NULL,
  book_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  created_at {{ts}} NOT NULL,
  promoted_at {{ts}},
  hold_expires_at {{ts}},
  closed_at {{ts}},
  cancel_reason TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_reservations_active
  ON reservations(user_id, book_id) WHERE status IN ('PENDING', 'AVAILABLE');
CREATE INDEX IF NOT EXISTS ix_reservations_queue
  ON reservations(book_id, status, created_at, id);

CREATE TABLE IF NOT EXISTS stock_units (
  id {{pk}},
  book_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  current_loan_id BIGINT,
  held_for_reservation_id BIGINT REFERENCES reservations(id),
  shelf_level_id BIGINT REFERENCES shelf_levels(id),
  created_at {{ts}} NOT NULL,
  updated_at {{ts}} NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_stock_units_book_status ON stock_units(book_id, status);
CREATE INDEX IF NOT EXISTS ix_stock_units_shelf_level ON stock_units(shelf_level_id);

CREATE TABLE IF NOT EXISTS loans (
  id {{pk}},
  stock_id BIGINT NOT NULL REFERENCES stock_units(id),
  book_id BIGINT NOT NULL,
  user_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  loan_date {{ts}} NOT NULL,
  due_date {{ts}} NOT NULL,
  return_date {{ts}},
  fine_cents BIGINT NOT NULL DEFAULT 0 CHECK (fine_cents >= 0),
  created_at {{ts}} NOT NULL,
  CHECK (return_date IS NULL OR return_date >= loan_date)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_loans_open_stock ON loans(stock_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS ix_loans_user ON loans(user_id, loan_date);
`

// Migrate brings the schema up to the latest version
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`); err != nil {
		return err
	}

	const latest = 1

	cur, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := s.apply(ctx, v); err != nil {
			return err
		}
		s.logger.Info("Applied schema migration", zap.Int("version", v))
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (s *Store) apply(ctx context.Context, version int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if err := execStatements(ctx, tx, s.renderSchema(schemaV1)); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) renderSchema(schema string) string {
	pk, ts := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if s.dialect == DialectSQLite {
		pk, ts = "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	}
	return strings.NewReplacer("{{pk}}", pk, "{{ts}}", ts).Replace(schema)
}

func execStatements(ctx context.Context, tx *sqlx.Tx, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
