package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the shared-server backend for deployments where several
// hosts serve terminals against one database.
type Postgres struct {
	db    *pgxpool.Pool
	locks *keyLocks
	now   func() time.Time
}

func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, ioError("open", "postgres", "", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, ioError("ping", "postgres", "", err)
	}

	p := &Postgres{db: db, locks: newKeyLocks(), now: o.now}
	if err := p.init(ctx); err != nil {
		db.Close()
		return nil, ioError("init", "postgres", "", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func (p *Postgres) init(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			length BIGINT NOT NULL,
			last_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (collection, key, seq)
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, key string) ([]byte, error) {
	unlock := p.locks.RLock(collection, key)
	defer unlock()

	var value []byte
	err := p.db.QueryRow(ctx,
		`SELECT value FROM records WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioError("get", collection, key, err)
	}
	return value, nil
}

const upsertRecordPostgres = `
	INSERT INTO records (collection, key, value, updated_at) VALUES ($1, $2, $3, $4)
	ON CONFLICT (collection, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

func (p *Postgres) Put(ctx context.Context, collection, key string, value []byte) error {
	unlock := p.locks.Lock(collection, key)
	defer unlock()

	if _, err := p.db.Exec(ctx, upsertRecordPostgres, collection, key, value, p.now().UTC()); err != nil {
		return ioError("put", collection, key, err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, collection, key string, value []byte) error {
	unlock := p.locks.Lock(collection, key)
	defer unlock()

	_, err := p.db.Exec(ctx,
		`INSERT INTO records (collection, key, value, updated_at) VALUES ($1, $2, $3, $4)`,
		collection, key, value, p.now().UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return ioError("insert", collection, key, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	unlock := p.locks.Lock(collection, key)
	defer unlock()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return ioError("update", collection, key, err)
	}
	defer tx.Rollback(ctx)

	var cur []byte
	err = tx.QueryRow(ctx,
		`SELECT value FROM records WHERE collection = $1 AND key = $2 FOR UPDATE`,
		collection, key,
	).Scan(&cur)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ioError("update", collection, key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.Exec(ctx, upsertRecordPostgres, collection, key, next, p.now().UTC()); err != nil {
		return ioError("update", collection, key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ioError("update", collection, key, err)
	}
	return nil
}

func (p *Postgres) Scan(ctx context.Context, collection string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := p.db.Query(ctx,
			`SELECT key, value FROM records WHERE collection = $1 ORDER BY key`,
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

func (p *Postgres) Append(ctx context.Context, collection, key string, value []byte) (Entry, error) {
	unlock := p.locks.Lock(collection, key)
	defer unlock()

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	defer tx.Rollback(ctx)

	// Creates the sequence row on first use so FOR UPDATE always has a row
	// to lock against writers from other processes.
	if _, err := tx.Exec(ctx, `
		INSERT INTO sequences (collection, key, length, last_at) VALUES ($1, $2, 0, 'epoch')
		ON CONFLICT (collection, key) DO NOTHING`,
		collection, key,
	); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}

	var (
		length int64
		last   time.Time
	)
	if err := tx.QueryRow(ctx,
		`SELECT length, last_at FROM sequences WHERE collection = $1 AND key = $2 FOR UPDATE`,
		collection, key,
	).Scan(&length, &last); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}

	e := Entry{Seq: length + 1, Time: clampTime(p.now(), last.UTC()), Value: value}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entries (collection, key, seq, created_at, value) VALUES ($1, $2, $3, $4, $5)`,
		collection, key, e.Seq, e.Time, e.Value,
	); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sequences SET length = $3, last_at = $4 WHERE collection = $1 AND key = $2`,
		collection, key, e.Seq, e.Time,
	); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, ioError("append", collection, key, err)
	}
	return e, nil
}

func (p *Postgres) Entries(ctx context.Context, collection, key string, offset, limit int) ([]Entry, error) {
	unlock := p.locks.RLock(collection, key)
	defer unlock()

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	if offset < 0 {
		offset = 0
	}
	return p.queryEntries(ctx, "entries", collection, key, `
		SELECT seq, created_at, value FROM entries
		WHERE collection = $1 AND key = $2
		ORDER BY seq ASC
		LIMIT $3 OFFSET $4`,
		collection, key, lim, offset,
	)
}

func (p *Postgres) Latest(ctx context.Context, collection, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	unlock := p.locks.RLock(collection, key)
	defer unlock()

	entries, err := p.queryEntries(ctx, "latest", collection, key, `
		SELECT seq, created_at, value FROM entries
		WHERE collection = $1 AND key = $2
		ORDER BY seq DESC
		LIMIT $3`,
		collection, key, limit,
	)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

func (p *Postgres) queryEntries(ctx context.Context, op, collection, key, query string, args ...any) ([]Entry, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, ioError(op, collection, key, err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Time, &e.Value); err != nil {
			return nil, ioError(op, collection, key, err)
		}
		e.Time = e.Time.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError(op, collection, key, err)
	}
	return entries, nil
}

func (p *Postgres) Sequences(ctx context.Context, collection string) iter.Seq2[Sequence, error] {
	return func(yield func(Sequence, error) bool) {
		rows, err := p.db.Query(ctx,
			`SELECT key, length FROM sequences WHERE collection = $1 AND length > 0 ORDER BY key`,
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
