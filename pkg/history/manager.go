// Package history implements the durable, hash-chained, append-only
// per-user operation log with a movable head pointer.
//
// The chain invariant: hash[n] = sha256(hash[n-1] ++ encode(op[n])),
// with an empty-string seed before the first entry. Serial numbers are
// 1-based and contiguous per user. Entries are immutable once written;
// the head pointer in the metadata row is the only thing that ever
// moves.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/worktreehq/worktree/pkg/canonical"
	"github.com/worktreehq/worktree/pkg/op"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 50 * time.Millisecond
)

// Manager mediates all reads and writes of a user's chain.
type Manager struct {
	db         *sql.DB
	dialect    Dialect
	log        *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// Option tweaks a Manager.
type Option func(*Manager)

// WithRetry overrides the transaction retry policy.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = attempts
		m.retryDelay = delay
	}
}

// NewManager wraps an open database.
func NewManager(db *sql.DB, dialect Dialect, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		dialect:    dialect,
		log:        log,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Provision creates the metadata row for a new user with an empty
// chain. Every other write fails with ErrNoMetadata until this ran.
func (m *Manager) Provision(ctx context.Context, userID string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO history_metadata (user_id, head_id) VALUES ($1, NULL)`, userID)
	if err != nil {
		return fmt.Errorf("history: provision %s: %w", userID, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *Manager) metadata(ctx context.Context, q querier, userID string) (*Metadata, error) {
	var md Metadata
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, head_id FROM history_metadata WHERE user_id = $1`, userID).
		Scan(&md.ID, &md.UserID, &md.HeadID)
	if err == sql.ErrNoRows {
		return nil, ErrNoMetadata
	}
	if err != nil {
		return nil, err
	}
	return &md, nil
}

const entryColumns = `id, serial_num, history_hash, operation, next_id, user_id`

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.SerialNum, &e.HistoryHash, &e.Operation, &e.NextID, &e.UserID)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (m *Manager) entryByID(ctx context.Context, q querier, id int64) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM confirmed_history WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// GetHeadNode returns the head entry of the user's chain, nil for an
// empty chain, or ErrNoMetadata for an unprovisioned user.
func (m *Manager) GetHeadNode(ctx context.Context, userID string) (*Entry, error) {
	md, err := m.metadata(ctx, m.db, userID)
	if err != nil {
		return nil, err
	}
	if md.HeadID == nil {
		return nil, nil
	}
	return m.entryByID(ctx, m.db, *md.HeadID)
}

// GetByIDs fetches entries by raw id, in no particular order. Missing
// ids are silently skipped.
func (m *Manager) GetByIDs(ctx context.Context, ids []int64) ([]Entry, error) {
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := m.entryByID(ctx, m.db, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

// GetBySerialNums walks the chain from head and returns the entries
// whose serial number is in serials, sorted ascending and deduplicated.
// Walking the chain rather than querying by serial keeps overwrite
// orphans invisible.
func (m *Manager) GetBySerialNums(ctx context.Context, userID string, serials []int64) ([]Entry, error) {
	wanted := make(map[int64]bool, len(serials))
	for _, s := range serials {
		wanted[s] = true
	}

	found := make(map[int64]Entry)
	curr, err := m.GetHeadNode(ctx, userID)
	if err != nil {
		return nil, err
	}
	for curr != nil {
		if wanted[curr.SerialNum] {
			found[curr.SerialNum] = *curr
		}
		if curr.NextID == nil {
			break
		}
		curr, err = m.entryByID(ctx, m.db, *curr.NextID)
		if err != nil {
			return nil, err
		}
	}

	result := make([]Entry, 0, len(found))
	for _, e := range found {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SerialNum < result[j].SerialNum })
	return result, nil
}

// InsertAtHead appends one operation to the user's chain: read the
// head, compute the next serial and hash, create the entry linking back
// to the old head, move the head pointer. All of it in one transaction,
// retried on serialization conflicts.
func (m *Manager) InsertAtHead(ctx context.Context, operation op.Operation, userID string) (*Entry, error) {
	encoded, err := operation.Canonical()
	if err != nil {
		return nil, err
	}

	var inserted *Entry
	err = m.runTx(ctx, func(tx *sql.Tx) error {
		md, err := m.metadata(ctx, tx, userID)
		if err != nil {
			return err
		}

		serial := int64(1)
		prevHash := ""
		if md.HeadID != nil {
			head, err := m.entryByID(ctx, tx, *md.HeadID)
			if err != nil {
				return err
			}
			if head == nil {
				return fmt.Errorf("history: metadata head %d missing for %s", *md.HeadID, userID)
			}
			serial = head.SerialNum + 1
			prevHash = head.HistoryHash
		}

		entry := &Entry{
			SerialNum:   serial,
			HistoryHash: canonical.ChainHash(prevHash, encoded),
			Operation:   encoded,
			NextID:      md.HeadID,
			UserID:      userID,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if err := m.setHead(ctx, tx, md.ID, &entry.ID); err != nil {
			return err
		}
		inserted = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// PopHead moves the head pointer back one link. The entry itself is
// not deleted; it just becomes unreachable from the head.
func (m *Manager) PopHead(ctx context.Context, userID string) error {
	return m.runTx(ctx, func(tx *sql.Tx) error {
		md, err := m.metadata(ctx, tx, userID)
		if err != nil {
			return err
		}
		if md.HeadID == nil {
			return ErrNoHead
		}
		head, err := m.entryByID(ctx, tx, *md.HeadID)
		if err != nil {
			return err
		}
		if head == nil {
			return ErrNoHead
		}
		return m.setHead(ctx, tx, md.ID, head.NextID)
	})
}

// Overwrite rebases the user's chain: everything after serial
// startingSerial-1 is replaced by ops, rehashed forward from the
// predecessor. Old entries stay physically present but unreachable from
// the new head; they are retained for audit, not garbage collected.
func (m *Manager) Overwrite(ctx context.Context, userID string, startingSerial int64, ops []op.Operation) error {
	encoded := make([]string, len(ops))
	for i, operation := range ops {
		s, err := operation.Canonical()
		if err != nil {
			return err
		}
		encoded[i] = s
	}

	return m.runTx(ctx, func(tx *sql.Tx) error {
		md, err := m.metadata(ctx, tx, userID)
		if err != nil {
			return err
		}

		var prev *Entry
		e, err := scanEntry(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM confirmed_history
			 WHERE user_id = $1 AND serial_num = $2
			 ORDER BY id DESC LIMIT 1`, userID, startingSerial-1))
		switch {
		case err == sql.ErrNoRows:
			if startingSerial != 1 {
				return ErrNoPredecessor
			}
		case err != nil:
			return err
		default:
			prev = e
		}

		hash := ""
		if prev != nil {
			hash = prev.HistoryHash
		}
		newHeadID := headIDOf(prev)
		for i, s := range encoded {
			hash = canonical.ChainHash(hash, s)
			entry := &Entry{
				SerialNum:   startingSerial + int64(i),
				HistoryHash: hash,
				Operation:   s,
				NextID:      newHeadID,
				UserID:      userID,
			}
			if err := insertEntry(ctx, tx, entry); err != nil {
				return err
			}
			id := entry.ID
			newHeadID = &id
		}
		return m.setHead(ctx, tx, md.ID, newHeadID)
	})
}

// VerifyChain recomputes the whole chain from genesis and compares it
// against the stored hashes. Returns ErrChainBroken (with the first bad
// serial) if any entry was tampered with.
func (m *Manager) VerifyChain(ctx context.Context, userID string) error {
	var entries []Entry
	curr, err := m.GetHeadNode(ctx, userID)
	if err != nil {
		return err
	}
	for curr != nil {
		entries = append(entries, *curr)
		if curr.NextID == nil {
			break
		}
		curr, err = m.entryByID(ctx, m.db, *curr.NextID)
		if err != nil {
			return err
		}
	}

	hash := ""
	for i := len(entries) - 1; i >= 0; i-- {
		hash = canonical.ChainHash(hash, entries[i].Operation)
		if hash != entries[i].HistoryHash {
			return fmt.Errorf("%w: at serial %d", ErrChainBroken, entries[i].SerialNum)
		}
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	return tx.QueryRowContext(ctx,
		`INSERT INTO confirmed_history (serial_num, history_hash, operation, next_id, user_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		e.SerialNum, e.HistoryHash, e.Operation, e.NextID, e.UserID).Scan(&e.ID)
}

func (m *Manager) setHead(ctx context.Context, tx *sql.Tx, metadataID int64, headID *int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE history_metadata SET head_id = $1 WHERE id = $2`, headID, metadataID)
	return err
}

func headIDOf(e *Entry) *int64 {
	if e == nil {
		return nil
	}
	id := e.ID
	return &id
}
