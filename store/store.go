// Package store is the durable record layer every other package persists
// through. Values are opaque bytes; the JSON helpers at the bottom of this
// file are what the domain packages actually call.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	ErrIO       = errors.New("storage failure")
)

// Record is one (key, value) pair of a collection.
type Record struct {
	Key   string
	Value []byte
}

// Entry is one element of an append-only sequence.
// Seq starts at 1 and has no gaps; Time never decreases within a key.
type Entry struct {
	Seq   int64
	Time  time.Time
	Value []byte
}

// Sequence describes a non-empty append-only sequence.
type Sequence struct {
	Key    string
	Length int64
}

// UpdateFunc receives the current value (nil when absent) and returns the
// replacement. Returning a nil slice leaves the record untouched.
type UpdateFunc func(cur []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte) error
	Insert(ctx context.Context, collection, key string, value []byte) error
	Update(ctx context.Context, collection, key string, fn UpdateFunc) error
	Scan(ctx context.Context, collection string) iter.Seq2[Record, error]

	Append(ctx context.Context, collection, key string, value []byte) (Entry, error)
	Entries(ctx context.Context, collection, key string, offset, limit int) ([]Entry, error)
	Latest(ctx context.Context, collection, key string, limit int) ([]Entry, error)
	Sequences(ctx context.Context, collection string) iter.Seq2[Sequence, error]

	Close() error
}

func ioError(op, collection, key string, err error) error {
	if key == "" {
		return fmt.Errorf("%s %s: %w: %w", op, collection, ErrIO, err)
	}
	return fmt.Errorf("%s %s/%q: %w: %w", op, collection, key, ErrIO, err)
}

// clampTime keeps a sequence's timestamps non-decreasing even when the wall
// clock steps backwards.
func clampTime(now, last time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if now.Before(last) {
		return last
	}
	return now
}

func GetJSON[T any](ctx context.Context, s Store, collection, key string) (T, error) {
	var v T
	raw, err := s.Get(ctx, collection, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, ioError("decode", collection, key, err)
	}
	return v, nil
}

func PutJSON(ctx context.Context, s Store, collection, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%q: %w", collection, key, err)
	}
	return s.Put(ctx, collection, key, raw)
}

func InsertJSON(ctx context.Context, s Store, collection, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%q: %w", collection, key, err)
	}
	return s.Insert(ctx, collection, key, raw)
}

// UpdateJSON runs fn against the decoded record. found reports whether the
// record existed. fn returns changed=false to skip the write.
func UpdateJSON[T any](ctx context.Context, s Store, collection, key string, fn func(v *T, found bool) (changed bool, err error)) error {
	return s.Update(ctx, collection, key, func(cur []byte) ([]byte, error) {
		var v T
		found := cur != nil
		if found {
			if err := json.Unmarshal(cur, &v); err != nil {
				return nil, ioError("decode", collection, key, err)
			}
		}
		changed, err := fn(&v, found)
		if err != nil || !changed {
			return nil, err
		}
		return json.Marshal(&v)
	})
}

func AppendJSON(ctx context.Context, s Store, collection, key string, v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s/%q: %w", collection, key, err)
	}
	return s.Append(ctx, collection, key, raw)
}

// DecodeEntry unmarshals an entry value into T.
func DecodeEntry[T any](collection, key string, e Entry) (T, error) {
	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, ioError("decode", collection, key, err)
	}
	return v, nil
}
