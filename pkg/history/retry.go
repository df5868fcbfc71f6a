package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
)

// sqlite primary result codes signalling writer contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsSerializationConflict reports whether err is the store's
// "serialization failure" class: a transient conflict between
// concurrent transactions that is safe to retry, as opposed to a real
// failure.
func IsSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// SQLSTATE 40001 serialization_failure, 40P01 deadlock_detected.
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		code := sqErr.Code() & 0xff
		return code == sqliteBusy || code == sqliteLocked
	}
	return false
}

// runTx executes fn inside a transaction, retrying the whole
// transaction a bounded number of times when the store reports a
// serialization conflict. This is the backstop against concurrent
// appends from other processes; the in-process per-user lock merely
// makes such conflicts rare.
func (m *Manager) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.attemptTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationConflict(err) {
			return err
		}
		m.log.Warn("history: serialization conflict, retrying",
			"attempt", attempt+1, "max", m.maxRetries)
		lastErr = err
	}
	return lastErr
}

func (m *Manager) attemptTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, m.txOptions())
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// txOptions asks postgres for serializable isolation. sqlite
// transactions are serializable by construction, and the modernc driver
// does not accept an explicit isolation level.
func (m *Manager) txOptions() *sql.TxOptions {
	if m.dialect == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}
