package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ziadkadry99/nabokov/internal/db"
)

// ErrNotFound is returned by Get for an unknown entry id.
var ErrNotFound = errors.New("activity entry not found")

// Store reads and writes journal entries.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Log inserts a new entry. If entry.ID is empty a UUID is generated; a
// zero At is set to now.
func (s *Store) Log(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	keys, err := json.Marshal(entry.Keys)
	if err != nil {
		return fmt.Errorf("marshalling keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity (id, at, action, card_id, actor, origin, keys)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.At.UnixMilli(),
		entry.Action,
		entry.CardID,
		string(entry.Actor),
		entry.Origin,
		string(keys),
	)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// Get retrieves a single entry.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, at, action, card_id, actor, origin, keys
		FROM activity WHERE id = ?`, id)
	e, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// QueryFilter controls which entries Query returns.
type QueryFilter struct {
	CardID string
	Action string
	Actor  Actor
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// Query returns entries matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.CardID != "" {
		clauses = append(clauses, "card_id = ?")
		args = append(args, filter.CardID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, string(filter.Actor))
	}
	if filter.Since != nil {
		clauses = append(clauses, "at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}
	if filter.Until != nil {
		clauses = append(clauses, "at <= ?")
		args = append(args, filter.Until.UnixMilli())
	}

	query := "SELECT id, at, action, card_id, actor, origin, keys FROM activity"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	// rowid breaks ties between entries logged in the same millisecond.
	query += " ORDER BY at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Prune removes entries older than before and returns how many it removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM activity WHERE at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning activity: %w", err)
	}
	return res.RowsAffected()
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(sc scanner) (*Entry, error) {
	var (
		e        Entry
		at       int64
		actor    string
		keysJSON string
	)
	if err := sc.Scan(&e.ID, &at, &e.Action, &e.CardID, &actor, &e.Origin, &keysJSON); err != nil {
		return nil, err
	}
	e.At = time.UnixMilli(at)
	e.Actor = Actor(actor)
	if err := json.Unmarshal([]byte(keysJSON), &e.Keys); err != nil {
		e.Keys = nil
	}
	return &e, nil
}
