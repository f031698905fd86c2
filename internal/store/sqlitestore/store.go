// Package sqlitestore implements the store contract on SQLite. It is the
// default backend: a single writer keeps queue pops and conditional writes
// serializable, and multi-key atomicity comes from ordinary transactions.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chimera/internal/store"
)

// scoreUnit is the priority stride of the composite queue score:
// priority * 2^32 + (2^32 - seq). Higher scores pop first; ties within a
// priority resolve to FIFO.
const scoreUnit = int64(1) << 32

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed store.Store and store.Transactor.
type Store struct {
	db   querier
	root *sql.DB
	Now  func() time.Time
}

// New opens (and migrates) a store in the given workspace.
func New(cfg Config) (*Store, error) {
	conn, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: conn, root: conn, Now: time.Now}, nil
}

// NewWithDB wraps an already-open, already-migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, root: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) nowUnix() int64 { return s.now().UnixNano() }

func expiry(now time.Time, ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return now.Add(ttl).UnixNano()
}

// WithTx runs fn inside one transaction. A nested call reuses the enclosing
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.root == nil {
		return fn(s)
	}
	tx, err := s.root.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	bound := &Store{db: tx, Now: s.Now}
	if err := fn(bound); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, key string) (store.Versioned, error) {
	var (
		value     []byte
		version   uint64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, version, expires_at FROM kv WHERE key = ?`, key).
		Scan(&value, &version, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Versioned{}, store.ErrNotFound
	}
	if err != nil {
		return store.Versioned{}, err
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.nowUnix() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at <= ?`, key, s.nowUnix())
		return store.Versioned{}, store.ErrNotFound
	}
	return store.Versioned{Value: value, Version: version}, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, version, expires_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1, expires_at = excluded.expires_at`,
		key, value, expiry(s.now(), ttl))
	return err
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, value []byte, version uint64, ttl time.Duration) error {
	s.reapExpired(ctx, key)
	if version == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value, version, expires_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`,
			key, value, expiry(s.now(), ttl))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrVersionConflict
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE kv SET value = ?, version = version + 1, expires_at = ? WHERE key = ? AND version = ?`,
		value, expiry(s.now(), ttl), key, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.reapExpired(ctx, key)
	res, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value, version, expires_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING`,
		key, value, expiry(s.now(), ttl))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) reapExpired(ctx context.Context, key string) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, key, s.nowUnix())
}

func (s *Store) nextSeq(ctx context.Context, queue string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO queue_seq(queue, seq) VALUES (?, 1)
		ON CONFLICT(queue) DO UPDATE SET seq = queue_seq.seq + 1
		RETURNING seq`, queue).Scan(&seq)
	return seq, err
}

func (s *Store) insertItem(ctx context.Context, queue string, item store.QueueItem) error {
	seq, err := s.nextSeq(ctx, queue)
	if err != nil {
		return err
	}
	at := item.EnqueuedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items(queue, id, payload, priority, seq, attempt, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		queue, item.ID, item.Payload, item.Priority, seq, item.Attempt, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) Enqueue(ctx context.Context, queue string, item store.QueueItem) error {
	return s.insertItem(ctx, queue, item)
}

func (s *Store) EnqueueAll(ctx context.Context, queue string, items []store.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	if s.root == nil {
		for _, item := range items {
			if err := s.insertItem(ctx, queue, item); err != nil {
				return err
			}
		}
		return nil
	}
	return s.WithTx(ctx, func(tx store.Store) error {
		for _, item := range items {
			if err := tx.Enqueue(ctx, queue, item); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PopHighest(ctx context.Context, queue string, leaseDuration time.Duration) (*store.Lease, error) {
	token := uuid.NewString()
	now := s.nowUnix()
	expiresAt := s.now().Add(leaseDuration)
	var (
		id       string
		payload  []byte
		priority int
		attempt  int
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET lease_token = ?, lease_expires_at = ?, attempt = attempt + 1
		WHERE queue = ? AND rowid = (
			SELECT rowid FROM queue_items
			WHERE queue = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY (priority * ?) + (? - seq) DESC
			LIMIT 1
		)
		RETURNING id, payload, priority, attempt`,
		token, expiresAt.UnixNano(), queue, queue, now, scoreUnit, scoreUnit).
		Scan(&id, &payload, &priority, &attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &store.Lease{
		Token:     token,
		Queue:     queue,
		ItemID:    id,
		Payload:   payload,
		Priority:  priority,
		Attempt:   attempt,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Store) Ack(ctx context.Context, lease *store.Lease) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items WHERE queue = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?`,
		lease.Queue, lease.ItemID, lease.Token, s.nowUnix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseExpired
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, lease *store.Lease, requeue bool) error {
	var (
		res sql.Result
		err error
	)
	if requeue {
		res, err = s.db.ExecContext(ctx, `
			UPDATE queue_items SET lease_token = NULL, lease_expires_at = NULL
			WHERE queue = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?`,
			lease.Queue, lease.ItemID, lease.Token, s.nowUnix())
	} else {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM queue_items WHERE queue = ? AND id = ? AND lease_token = ? AND lease_expires_at > ?`,
			lease.Queue, lease.ItemID, lease.Token, s.nowUnix())
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLeaseExpired
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, queue, itemID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ? AND id = ?`, queue, itemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_items WHERE queue = ?`, queue).Scan(&n)
	return n, err
}

func (s *Store) List(ctx context.Context, queue string, offset, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, priority, attempt, enqueued_at FROM queue_items
		WHERE queue = ?
		ORDER BY (priority * ?) + (? - seq) DESC
		LIMIT ? OFFSET ?`,
		queue, scoreUnit, scoreUnit, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []store.QueueItem
	for rows.Next() {
		var (
			item store.QueueItem
			at   string
		)
		if err := rows.Scan(&item.ID, &item.Payload, &item.Priority, &item.Attempt, &at); err != nil {
			return nil, err
		}
		item.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, at)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Append(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO log_entries(key, ts, value) VALUES (?, ?, ?)`,
		key, s.now().UTC().Format(time.RFC3339Nano), value)
	return err
}

func (s *Store) ReadLog(ctx context.Context, key string, offset, limit int) ([]store.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, value FROM log_entries WHERE key = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		key, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []store.LogEntry
	for rows.Next() {
		var (
			e  store.LogEntry
			ts string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Value); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *Store) Close() error {
	if s.root != nil {
		return s.root.Close()
	}
	return nil
}
