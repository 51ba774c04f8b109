package cards

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// OriginHeader carries the id of the view making a request.
const OriginHeader = "X-Nabokov-Origin"

const maxImportBytes = 32 << 20

// RegisterRoutes mounts the card, connection and import/export API routes.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/cards", func(r chi.Router) {
		r.Get("/", handleList(store))
		r.Post("/", handleSave(store))
		r.Get("/stashed", handleStashed(store))
		r.Get("/stats", handleStats(store))
		r.Get("/{id}", handleGet(store))
		r.Put("/{id}", handleReplace(store))
		r.Delete("/{id}", handleDelete(store))
		r.Post("/{id}/stash", handleStash(store))
		r.Post("/{id}/restore", handleRestore(store))
		r.Post("/{id}/star", handleStar(store))
		r.Post("/{id}/duplicate", handleDuplicate(store))
		r.Get("/{id}/connections", handleCardConnections(store))
	})
	r.Route("/api/connections", func(r chi.Router) {
		r.Get("/", handleListConnections(store))
		r.Post("/", handleAddConnection(store))
		r.Delete("/{id}", handleRemoveConnection(store))
	})
	r.Get("/api/export", handleExport(store))
	r.Post("/api/import", handleImport(store))
}

// StatusFor maps store errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCard), errors.Is(err, ErrInvalidImport):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	api.WriteError(w, StatusFor(err), err.Error())
}

func withOrigin(r *http.Request) *http.Request {
	if o := r.Header.Get(OriginHeader); o != "" {
		return r.WithContext(WithOrigin(r.Context(), o))
	}
	return r
}

func handleList(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cards, err := store.List(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		if r.URL.Query().Get("include_stashed") != "true" {
			visible := cards[:0]
			for _, c := range cards {
				if !c.Stashed {
					visible = append(visible, c)
				}
			}
			cards = visible
		}
		api.WriteJSON(w, http.StatusOK, cards)
	}
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, card)
	}
}

func handleSave(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		var card Card
		if err := api.Decode(r, &card); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := store.Save(r.Context(), card)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, saved)
	}
}

func handleReplace(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		id := chi.URLParam(r, "id")
		var card Card
		if err := api.Decode(r, &card); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := store.Get(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		card.ID = id
		saved, err := store.Save(r.Context(), card)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, saved)
	}
}

func handleDelete(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		if err := store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func cardAction(fn func(*Store, *http.Request, string) (*Card, error), store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		card, err := fn(store, r, chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, card)
	}
}

func handleStash(store *Store) http.HandlerFunc {
	return cardAction(func(s *Store, r *http.Request, id string) (*Card, error) {
		return s.Stash(r.Context(), id)
	}, store)
}

func handleRestore(store *Store) http.HandlerFunc {
	return cardAction(func(s *Store, r *http.Request, id string) (*Card, error) {
		return s.Restore(r.Context(), id)
	}, store)
}

func handleStar(store *Store) http.HandlerFunc {
	return cardAction(func(s *Store, r *http.Request, id string) (*Card, error) {
		return s.ToggleStar(r.Context(), id)
	}, store)
}

func handleDuplicate(store *Store) http.HandlerFunc {
	return cardAction(func(s *Store, r *http.Request, id string) (*Card, error) {
		return s.Duplicate(r.Context(), id)
	}, store)
}

func handleStashed(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cards, err := store.Stashed(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		if cards == nil {
			cards = []Card{}
		}
		api.WriteJSON(w, http.StatusOK, cards)
	}
}

func handleStats(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, stats)
	}
}

func handleCardConnections(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir := Direction(r.URL.Query().Get("direction"))
		if dir == "" {
			dir = DirectionBoth
		}
		conns, err := store.ConnectionsFor(r.Context(), chi.URLParam(r, "id"), dir)
		if err != nil {
			writeErr(w, err)
			return
		}
		if conns == nil {
			conns = []Connection{}
		}
		api.WriteJSON(w, http.StatusOK, conns)
	}
}

func handleListConnections(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := store.ListConnections(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, conns)
	}
}

type connectionRequest struct {
	SourceCardID   string         `json:"sourceCardId" validate:"required"`
	TargetCardID   string         `json:"targetCardId" validate:"required,nefield=SourceCardID"`
	ConnectionType ConnectionType `json:"connectionType" validate:"omitempty,oneof=generated-from references related contradicts custom"`
	Label          string         `json:"label" validate:"max=200"`
	CreatedBy      string         `json:"createdBy" validate:"omitempty,oneof=user ai"`
}

func handleAddConnection(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		var req connectionRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		conn, err := store.AddConnection(r.Context(), Connection{
			SourceCardID:   req.SourceCardID,
			TargetCardID:   req.TargetCardID,
			ConnectionType: req.ConnectionType,
			Label:          req.Label,
			Metadata:       ConnectionMetadata{CreatedBy: req.CreatedBy},
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, conn)
	}
}

func handleRemoveConnection(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		if err := store.RemoveConnection(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleExport(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := store.Export(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="nabokov-export.json"`)
		api.WriteJSON(w, http.StatusOK, exp)
	}
}

func handleImport(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r = withOrigin(r)
		mode := ImportMode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = ImportMerge
		}
		if mode != ImportMerge && mode != ImportReplace {
			api.WriteError(w, http.StatusBadRequest, "mode must be merge or replace")
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "reading body: "+err.Error())
			return
		}
		res, err := store.Import(r.Context(), data, mode)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, res)
	}
}
