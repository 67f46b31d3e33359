package store

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"slices"
	"time"

	"github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

// SQLite keeps records and sequences in a single database file. WAL with
// synchronous=FULL means a committed write survives a crash.
type SQLite struct {
	conn  *sql.DB
	locks *keyLocks
	now   func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used to stamp appended entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	o := buildOptions(opts)

	dsn := "file:" + path + "?_foreign_keys=1&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=10000&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ioError("open", path, "", err)
	}

	s := &SQLite{conn: conn, locks: newKeyLocks(), now: o.now}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, ioError("init", path, "", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			length INTEGER NOT NULL,
			last_at TEXT NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			value BLOB NOT NULL,
			PRIMARY KEY (collection, key, seq)
		)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, collection, key string) ([]byte, error) {
	unlock := s.locks.RLock(collection, key)
	defer unlock()

	var value []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM records WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioError("get", collection, key, err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, collection, key string, value []byte) error {
	unlock := s.locks.Lock(collection, key)
	defer unlock()

	_, err := s.conn.ExecContext(ctx, upsertRecordSQLite,
		collection, key, value, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return ioError("put", collection, key, err)
	}
	return nil
}

const upsertRecordSQLite = `
	INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`

func (s *SQLite) Insert(ctx context.Context, collection, key string, value []byte) error {
	unlock := s.locks.Lock(collection, key)
	defer unlock()

	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)",
		collection, key, value, s.now().UTC().Format(timeLayout),
	)
	if isConstraint(err) {
		return ErrExists
	}
	if err != nil {
		return ioError("insert", collection, key, err)
	}
	return nil
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func (s *SQLite) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	unlock := s.locks.Lock(collection, key)
	defer unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ioError("update", collection, key, err)
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM records WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ioError("update", collection, key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx, upsertRecordSQLite,
		collection, key, next, s.now().UTC().Format(timeLayout),
	); err != nil {
		return ioError("update", collection, key, err)
	}
	if err := tx.Commit(); err != nil {
		return ioError("update", collection, key, err)
	}
	return nil
}

func (s *SQLite) Scan(ctx context.Context, collection string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := s.conn.QueryContext(ctx,
			"SELECT key, value FROM records WHERE collection = ? ORDER BY key",
			collection,
		)
		if err != nil {
			yield(Record{}, ioError("scan", collection, "", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var rec Record
			if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
				yield(Record{}, ioError("scan", collection, "", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, ioError("scan", collection, "", err))
		}
	}
}

func (s *SQLite) Append(ctx context.Context, collection, key string, value []byte) (Entry, error) {
	unlock := s.locks.Lock(collection, key)
	defer unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	defer tx.Rollback()

	var (
		length  int64
		lastStr string
		last    time.Time
	)
	err = tx.QueryRowContext(ctx,
		"SELECT length, last_at FROM sequences WHERE collection = ? AND key = ?",
		collection, key,
	).Scan(&length, &lastStr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Entry{}, ioError("append", collection, key, err)
	default:
		if last, err = time.Parse(timeLayout, lastStr); err != nil {
			return Entry{}, ioError("append", collection, key, err)
		}
	}

	e := Entry{Seq: length + 1, Time: clampTime(s.now(), last), Value: value}
	ts := e.Time.Format(timeLayout)

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries (collection, key, seq, created_at, value) VALUES (?, ?, ?, ?, ?)",
		collection, key, e.Seq, ts, e.Value,
	); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sequences (collection, key, length, last_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET length = excluded.length, last_at = excluded.last_at`,
		collection, key, e.Seq, ts,
	); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	return e, nil
}

func (s *SQLite) Entries(ctx context.Context, collection, key string, offset, limit int) ([]Entry, error) {
	unlock := s.locks.RLock(collection, key)
	defer unlock()

	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryEntries(ctx, "entries", collection, key, `
		SELECT seq, created_at, value FROM entries
		WHERE collection = ? AND key = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`,
		collection, key, limit, offset,
	)
}

func (s *SQLite) Latest(ctx context.Context, collection, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	unlock := s.locks.RLock(collection, key)
	defer unlock()

	entries, err := s.queryEntries(ctx, "latest", collection, key, `
		SELECT seq, created_at, value FROM entries
		WHERE collection = ? AND key = ?
		ORDER BY seq DESC
		LIMIT ?`,
		collection, key, limit,
	)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (s *SQLite) queryEntries(ctx context.Context, op, collection, key, query string, args ...any) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ioError(op, collection, key, err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Value); err != nil {
			return nil, ioError(op, collection, key, err)
		}
		if e.Time, err = time.Parse(timeLayout, ts); err != nil {
			return nil, ioError(op, collection, key, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError(op, collection, key, err)
	}
	return entries, nil
}

func (s *SQLite) Sequences(ctx context.Context, collection string) iter.Seq2[Sequence, error] {
	return func(yield func(Sequence, error) bool) {
		rows, err := s.conn.QueryContext(ctx,
			"SELECT key, length FROM sequences WHERE collection = ? AND length > 0 ORDER BY key",
			collection,
		)
		if err != nil {
			yield(Sequence{}, ioError("sequences", collection, "", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var seq Sequence
			if err := rows.Scan(&seq.Key, &seq.Length); err != nil {
				yield(Sequence{}, ioError("sequences", collection, "", err))
				return
			}
			if !yield(seq, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Sequence{}, ioError("sequences", collection, "", err))
		}
	}
}
