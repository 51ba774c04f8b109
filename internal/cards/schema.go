package cards

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SchemaVersion is the version of the stored card and connection records.
// Version 0 is the legacy bare-array layout with inline defaulting.
const SchemaVersion = 1

type cardRecord struct {
	Version int    `json:"version"`
	Cards   []Card `json:"cards"`
}

type connectionRecord struct {
	Version     int          `json:"version"`
	Connections []Connection `json:"connections"`
}

func decodeCards(raw []byte) ([]Card, int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var legacy []Card
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, 0, fmt.Errorf("decoding legacy cards: %w", err)
		}
		return legacy, 0, nil
	}
	var rec cardRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding cards: %w", err)
	}
	return rec.Cards, rec.Version, nil
}

func decodeConnections(raw []byte) ([]Connection, int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var legacy []Connection
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, 0, fmt.Errorf("decoding legacy connections: %w", err)
		}
		return legacy, 0, nil
	}
	var rec connectionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding connections: %w", err)
	}
	return rec.Connections, rec.Version, nil
}

// MigrateCards upgrades cards stored at version from to SchemaVersion.
// Cards without an id are dropped and duplicate ids keep the last record.
func MigrateCards(in []Card, from int, nowMillis int64) []Card {
	if from >= SchemaVersion {
		return in
	}

	last := make(map[string]int, len(in))
	for i, c := range in {
		if c.ID != "" {
			last[c.ID] = i
		}
	}

	out := make([]Card, 0, len(last))
	for i, c := range in {
		if c.ID == "" || last[c.ID] != i {
			continue
		}
		if c.Tags == nil {
			c.Tags = []string{}
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = c.Metadata.Timestamp
		}
		if c.CreatedAt == 0 {
			c.CreatedAt = nowMillis
		}
		if c.UpdatedAt == 0 {
			c.UpdatedAt = c.CreatedAt
		}
		if c.CardType == "" {
			switch {
			case c.ParentCardID != "" || c.GenerationContext != nil:
				c.CardType = CardTypeGenerated
			case c.Image != "" || strings.HasPrefix(c.Content, "data:image/"):
				c.CardType = CardTypeImage
			default:
				c.CardType = CardTypeClipped
			}
		}
		if c.BeautifiedContent != "" && c.OriginalHTML == "" {
			// Unrevertible: drop the rewrite rather than lose the original.
			c.BeautifiedContent = ""
			c.BeautificationMode = ""
			c.BeautifiedAt = 0
		}
		out = append(out, c)
	}
	return out
}

// MigrateConnections upgrades connections stored at version from.
func MigrateConnections(in []Connection, from int, nowMillis int64) []Connection {
	if from >= SchemaVersion {
		return in
	}
	out := make([]Connection, 0, len(in))
	for _, c := range in {
		if c.SourceCardID == "" || c.TargetCardID == "" {
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.ConnectionType == "" {
			c.ConnectionType = ConnRelated
		}
		if c.Metadata.CreatedBy == "" {
			c.Metadata.CreatedBy = "user"
		}
		if c.Metadata.CreatedAt == 0 {
			c.Metadata.CreatedAt = nowMillis
		}
		out = append(out, c)
	}
	return out
}
