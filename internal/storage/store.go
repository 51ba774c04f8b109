package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ziadkadry99/nabokov/internal/db"
)

// Area separates durable records from records that live for one run.
type Area string

const (
	AreaLocal   Area = "local"
	AreaSession Area = "session"
)

// ErrQuotaExceeded is returned by Set when the write would push the area
// past its quota. Nothing is written in that case.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ChangeNotifier is told about every key a successful Set or Remove touched.
type ChangeNotifier interface {
	StorageChanged(area Area, keys []string)
}

// Usage summarizes how much of the quota an area consumes.
type Usage struct {
	BytesInUse int64   `json:"bytesInUse"`
	Quota      int64   `json:"quota"`
	Ratio      float64 `json:"ratio"`
	NearLimit  bool    `json:"nearLimit"`
}

// Store is a typed key-value view over one area of the kv table. Each key
// holds at most one JSON record; writers always replace the whole record.
type Store struct {
	db        *db.DB
	area      Area
	quota     int64
	warnRatio float64
	notifier  ChangeNotifier

	// mu keeps the quota check and the write of one Set together.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithQuota limits the total bytes the area may hold.
func WithQuota(bytes int64, warnRatio float64) Option {
	return func(s *Store) {
		s.quota = bytes
		s.warnRatio = warnRatio
	}
}

// WithNotifier registers n for change notifications.
func WithNotifier(n ChangeNotifier) Option {
	return func(s *Store) { s.notifier = n }
}

// NewStore creates a Store for the given area.
func NewStore(database *db.DB, area Area, opts ...Option) *Store {
	s := &Store{db: database, area: area, warnRatio: 0.8}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Area returns the area this store reads and writes.
func (s *Store) Area() Area { return s.area }

// Get decodes the record at key into dest. It reports false, and leaves
// dest untouched, when the key has no record.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON for key.
func (s *Store) GetRaw(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE area = ? AND key = ?`, s.area, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// Set replaces the record at key with the JSON encoding of value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.SetRaw(ctx, key, data)
}

// SetRaw stores already-encoded JSON at key.
func (s *Store) SetRaw(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	err := s.setLocked(ctx, key, data)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify([]string{key})
	return nil
}

func (s *Store) setLocked(ctx context.Context, key string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write of %s: %w", key, err)
	}
	defer tx.Rollback()

	if s.quota > 0 {
		var others int64
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0)
			 FROM kv WHERE area = ? AND key <> ?`, s.area, key,
		).Scan(&others)
		if err != nil {
			return fmt.Errorf("measuring usage: %w", err)
		}
		if others+int64(len(key)+len(data)) > s.quota {
			return fmt.Errorf("writing %s (%d bytes): %w", key, len(data), ErrQuotaExceeded)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kv (area, key, value, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(area, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.area, key, string(data),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return tx.Commit()
}

// Remove deletes the records at keys. Missing keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, s.area)
	for _, k := range keys {
		args = append(args, k)
	}

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE area = ? AND key IN (`+placeholders+`)`, args...)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("removing %v: %w", keys, err)
	}
	s.notify(keys)
	return nil
}

// Keys lists the keys in the area that start with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE area = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		s.area, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// BytesInUse returns the bytes held by the given keys, or by the whole area
// when no keys are given. Key and value bytes both count.
func (s *Store) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	query := `SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM kv WHERE area = ?`
	args := []any{s.area}
	if len(keys) > 0 {
		query += ` AND key IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",") + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("measuring usage: %w", err)
	}
	return n, nil
}

// Usage reports area usage against the quota. Without a quota the ratio is 0.
func (s *Store) Usage(ctx context.Context) (Usage, error) {
	n, err := s.BytesInUse(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{BytesInUse: n, Quota: s.quota}
	if s.quota > 0 {
		u.Ratio = float64(n) / float64(s.quota)
		u.NearLimit = u.Ratio >= s.warnRatio
	}
	return u, nil
}

// Clear removes every record in the area.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE area = ?`, s.area)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("clearing %s area: %w", s.area, err)
	}
	return nil
}

func (s *Store) notify(keys []string) {
	if s.notifier != nil {
		s.notifier.StorageChanged(s.area, keys)
	}
}
