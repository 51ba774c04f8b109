package cards

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// ListConnections returns every connection. Connections may point at cards
// that no longer exist; only RemoveByCard prunes them.
func (s *Store) ListConnections(ctx context.Context) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadConnections(ctx)
}

// AddConnection stores a new connection. An identical source, target and
// type triple returns the existing connection instead of a duplicate.
func (s *Store) AddConnection(ctx context.Context, conn Connection) (*Connection, error) {
	if conn.SourceCardID == "" || conn.TargetCardID == "" {
		return nil, fmt.Errorf("connection needs both source and target card ids")
	}
	if conn.SourceCardID == conn.TargetCardID {
		return nil, fmt.Errorf("connection cannot link card %s to itself", conn.SourceCardID)
	}
	if conn.ConnectionType == "" {
		conn.ConnectionType = ConnRelated
	}
	if !conn.ConnectionType.Valid() {
		return nil, fmt.Errorf("unknown connection type %q", conn.ConnectionType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conns, err := s.loadConnections(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if c.SourceCardID == conn.SourceCardID && c.TargetCardID == conn.TargetCardID && c.ConnectionType == conn.ConnectionType {
			existing := c
			return &existing, nil
		}
	}

	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.Metadata.CreatedAt == 0 {
		conn.Metadata.CreatedAt = s.nowMillis()
	}
	if conn.Metadata.CreatedBy == "" {
		conn.Metadata.CreatedBy = "user"
	}
	conns = append(conns, conn)

	if err := s.saveConnections(ctx, conns); err != nil {
		return nil, err
	}
	s.publish(ctx, conn.SourceCardID, events.ConnectionsUpdated)
	return &conn, nil
}

// RemoveConnection deletes one connection.
func (s *Store) RemoveConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, err := s.loadConnections(ctx)
	if err != nil {
		return err
	}
	for i, c := range conns {
		if c.ID == id {
			conns = append(conns[:i], conns[i+1:]...)
			if err := s.saveConnections(ctx, conns); err != nil {
				return err
			}
			s.publish(ctx, "", events.ConnectionsUpdated)
			return nil
		}
	}
	return fmt.Errorf("connection %s: %w", id, ErrNotFound)
}

// RemoveByCard deletes every connection touching cardID and returns how
// many were removed.
func (s *Store) RemoveByCard(ctx context.Context, cardID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.removeConnectionsLocked(ctx, cardID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, cardID, events.ConnectionsUpdated)
	}
	return n, nil
}

// ConnectionsFor returns the connections of cardID in the given direction.
func (s *Store) ConnectionsFor(ctx context.Context, cardID string, dir Direction) ([]Connection, error) {
	all, err := s.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	var out []Connection
	for _, c := range all {
		in := c.TargetCardID == cardID
		outgoing := c.SourceCardID == cardID
		switch dir {
		case DirectionIncoming:
			if in {
				out = append(out, c)
			}
		case DirectionOutgoing:
			if outgoing {
				out = append(out, c)
			}
		default:
			if in || outgoing {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// ConnectedCards returns the cards on the other end of cardID's connections
// in the given direction, each once, skipping dangling ends.
func (s *Store) ConnectedCards(ctx context.Context, cardID string, dir Direction) ([]Card, error) {
	conns, err := s.ConnectionsFor(ctx, cardID, dir)
	if err != nil {
		return nil, err
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Card
	for _, c := range conns {
		other := c.TargetCardID
		if other == cardID {
			other = c.SourceCardID
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		if i := indexOf(all, other); i >= 0 {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Store) removeConnectionsLocked(ctx context.Context, cardID string) (int, error) {
	conns, err := s.loadConnections(ctx)
	if err != nil {
		return 0, err
	}
	kept := conns[:0]
	for _, c := range conns {
		if c.SourceCardID != cardID && c.TargetCardID != cardID {
			kept = append(kept, c)
		}
	}
	removed := len(conns) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.saveConnections(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) loadConnections(ctx context.Context) ([]Connection, error) {
	raw, ok, err := s.kv.GetRaw(ctx, storage.KeyConnections)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Connection{}, nil
	}
	conns, version, err := decodeConnections(raw)
	if err != nil {
		return nil, err
	}
	if version < SchemaVersion {
		conns = MigrateConnections(conns, version, s.nowMillis())
		if err := s.saveConnections(ctx, conns); err != nil {
			return nil, fmt.Errorf("persisting migrated connections: %w", err)
		}
	}
	if conns == nil {
		conns = []Connection{}
	}
	return conns, nil
}

func (s *Store) saveConnections(ctx context.Context, conns []Connection) error {
	return s.kv.Set(ctx, storage.KeyConnections, connectionRecord{Version: SchemaVersion, Connections: conns})
}
