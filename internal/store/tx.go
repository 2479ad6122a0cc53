package store

import (
	"context"
	"math/rand"
	"time"

	"circulation-service/internal/util"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const (
	defaultTxMaxAttempts = 5
	txBaseDelay          = 10 * time.Millisecond
	txJitterFactor       = 0.3
)

// Tx is one atomic unit of work against the store
type Tx struct {
	tx      *sqlx.Tx
	dialect string
}

// RunInTx runs fn inside a transaction. A nil return commits, an error rolls back.
// Transient storage failures retry the whole function from scratch with jittered
// exponential backoff; nothing from a failed attempt is committed.
func (s *Store) RunInTx(ctx context.Context, operation string, fn func(tx *Tx) error) error {
	start := time.Now()
	defer func() {
		util.TxLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < s.txMaxAttempts; attempt++ {
		if attempt > 0 {
			util.TxRetriesTotal.WithLabelValues(operation).Inc()
			s.logger.Warn("Retrying transaction after transient failure",
				zap.String("operation", operation),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		lastErr = s.runOnce(ctx, fn)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	return tx.Commit()
}

// backoff returns baseDelay * 2^(attempt-1) with random jitter
func backoff(attempt int) time.Duration {
	delay := txBaseDelay * time.Duration(1<<(attempt-1))
	jitter := time.Duration(float64(delay) * txJitterFactor * (rand.Float64()*2 - 1))
	return delay + jitter
}

// LockBook serializes every transaction touching the stock or queue of one
// book. Postgres takes a transaction-scoped advisory lock; SQLite already runs
// writers one at a time through immediate transactions.
func (t *Tx) LockBook(ctx context.Context, bookID int64) error {
	if t.dialect != DialectPostgres {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, bookID)
	return err
}

func (t *Tx) forUpdate() string {
	if t.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (t *Tx) forUpdateSkipLocked() string {
	if t.dialect == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func (t *Tx) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *Tx) sel(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *Tx) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
