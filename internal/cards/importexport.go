package cards

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ziadkadry99/nabokov/internal/events"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

//go:embed import.schema.json
var importSchemaJSON []byte

const importSchemaURL = "https://nabokov.local/schema/import.json"

var (
	importSchemaOnce sync.Once
	importSchema     *jsonschema.Schema
	importSchemaErr  error
)

func compiledImportSchema() (*jsonschema.Schema, error) {
	importSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(importSchemaURL, bytes.NewReader(importSchemaJSON)); err != nil {
			importSchemaErr = fmt.Errorf("add import schema: %w", err)
			return
		}
		importSchema, importSchemaErr = compiler.Compile(importSchemaURL)
	})
	return importSchema, importSchemaErr
}

// Export is the portable form of the whole collection.
type Export struct {
	Version     int          `json:"version"`
	ExportedAt  int64        `json:"exportedAt"`
	Cards       []Card       `json:"cards"`
	Connections []Connection `json:"connections"`
}

// ImportMode decides what happens to cards already stored.
type ImportMode string

const (
	// ImportMerge replaces cards with matching ids and keeps the rest.
	ImportMerge ImportMode = "merge"
	// ImportReplace discards the stored collection.
	ImportReplace ImportMode = "replace"
)

// ImportResult reports what an import wrote.
type ImportResult struct {
	Cards       int `json:"cards"`
	Connections int `json:"connections"`
}

// Export returns every card and connection.
func (s *Store) Export(ctx context.Context) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.loadCards(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := s.loadConnections(ctx)
	if err != nil {
		return nil, err
	}
	return &Export{
		Version:     SchemaVersion,
		ExportedAt:  s.nowMillis(),
		Cards:       cards,
		Connections: conns,
	}, nil
}

// ValidateImport checks data against the import schema and the model
// invariants without writing anything.
func (s *Store) ValidateImport(data []byte) (*Export, error) {
	schema, err := compiledImportSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidImport, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	seen := make(map[string]bool, len(exp.Cards))
	for _, c := range exp.Cards {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate card id %q", ErrInvalidImport, c.ID)
		}
		seen[c.ID] = true
	}

	now := s.nowMillis()
	exp.Cards = MigrateCards(exp.Cards, exp.Version, now)
	exp.Connections = MigrateConnections(exp.Connections, exp.Version, now)
	for i := range exp.Cards {
		s.normalize(&exp.Cards[i])
		if err := s.validate(&exp.Cards[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
	}
	return &exp, nil
}

// Import validates data as a whole and only then writes it. A payload
// that fails validation leaves storage untouched.
func (s *Store) Import(ctx context.Context, data []byte, mode ImportMode) (*ImportResult, error) {
	exp, err := s.ValidateImport(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cards := []Card{}
	conns := []Connection{}
	if mode != ImportReplace {
		if cards, err = s.loadCards(ctx); err != nil {
			return nil, err
		}
		if conns, err = s.loadConnections(ctx); err != nil {
			return nil, err
		}
	}

	for _, c := range exp.Cards {
		if i := indexOf(cards, c.ID); i >= 0 {
			cards[i] = c
		} else {
			cards = append(cards, c)
		}
	}
	for _, c := range exp.Connections {
		replaced := false
		for i := range conns {
			if conns[i].ID == c.ID {
				conns[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			conns = append(conns, c)
		}
	}

	prevCards, hadCards, err := s.kv.GetRaw(ctx, storage.KeyCards)
	if err != nil {
		return nil, err
	}
	if err := s.saveCards(ctx, cards); err != nil {
		return nil, fmt.Errorf("writing imported cards: %w", err)
	}
	if err := s.saveConnections(ctx, conns); err != nil {
		// Put the card record back so the import stays all-or-nothing.
		var rollbackErr error
		if hadCards {
			rollbackErr = s.kv.SetRaw(ctx, storage.KeyCards, prevCards)
		} else {
			rollbackErr = s.kv.Remove(ctx, storage.KeyCards)
		}
		if rollbackErr != nil {
			rollbackErr = fmt.Errorf("restoring cards after failed import: %w", rollbackErr)
		}
		return nil, errors.Join(fmt.Errorf("writing imported connections: %w", err), rollbackErr)
	}

	s.publish(ctx, "", events.ConnectionsUpdated)
	return &ImportResult{Cards: len(exp.Cards), Connections: len(exp.Connections)}, nil
}
