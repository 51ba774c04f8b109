package windows

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
)

// RegisterRoutes mounts the window API routes.
func RegisterRoutes(r chi.Router, m *Manager) {
	r.Route("/api/windows", func(r chi.Router) {
		r.Get("/", handleList(m))
		r.Post("/", handleOpen(m))
		r.Delete("/minimized", handleCloseMinimized(m))
		r.Post("/flush", handleFlush(m))
		r.Get("/{id}", handleGet(m))
		r.Patch("/{id}", handleUpdate(m))
		r.Delete("/{id}", handleClose(m))
		r.Post("/{id}/focus", windowAction(m.Focus))
		r.Post("/{id}/minimize", windowAction(m.Minimize))
		r.Post("/{id}/maximize", windowAction(m.Maximize))
		r.Post("/{id}/toggle", windowAction(m.ToggleMinimized))
	})
}

func writeErr(w http.ResponseWriter, err error) {
	status := cards.StatusFor(err)
	if errors.Is(err, ErrNotFound) {
		status = http.StatusNotFound
	}
	api.WriteError(w, status, err.Error())
}

func handleList(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, m.List())
	}
}

type openRequest struct {
	CardID string `json:"cardId" validate:"required"`
}

func handleOpen(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s, err := m.Open(r.Context(), req.CardID)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, s)
	}
}

func handleGet(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := m.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, s)
	}
}

func handleUpdate(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Patch
		if err := api.Decode(r, &p); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s, err := m.Update(chi.URLParam(r, "id"), p)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, s)
	}
}

func handleClose(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Close(chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCloseMinimized(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]int{"closed": m.CloseAllMinimized()})
	}
}

func handleFlush(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Flush(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func windowAction(fn func(id string) (State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fn(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, s)
	}
}
