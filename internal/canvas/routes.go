package canvas

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
)

// View is the canvas as served to a client: the graph, the active filters
// and the ids of the nodes that pass them.
type View struct {
	*Graph
	Filters FilterState `json:"filters"`
	Visible []string    `json:"visible"`
	Domains []string    `json:"domains"`
	Tags    []string    `json:"tags"`
}

// RegisterRoutes mounts the canvas API routes.
func RegisterRoutes(r chi.Router, syncer *Synchronizer, filters *FilterStore) {
	r.Route("/api/canvas", func(r chi.Router) {
		r.Get("/", handleView(syncer, filters))
		r.Post("/reload", handleReload(syncer))
		r.Patch("/nodes/{id}", handleEditNode(syncer))
		r.Post("/flush", handleFlush(syncer))
		r.Get("/viewport", handleGetViewport(syncer))
		r.Put("/viewport", handleSetViewport(syncer))
		r.Get("/filters", handleGetFilters(filters))
		r.Put("/filters", handleSetFilters(filters))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidGeometry), errors.Is(err, ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return cards.StatusFor(err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	api.WriteError(w, statusFor(err), err.Error())
}

func handleView(syncer *Synchronizer, filters *FilterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filters.Load(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		g := syncer.Graph()
		onCanvas := make([]cards.Card, len(g.Nodes))
		for i, n := range g.Nodes {
			onCanvas[i] = n.Card
		}
		visible := []string{}
		for _, c := range Apply(onCanvas, f, time.Now()) {
			visible = append(visible, c.ID)
		}
		api.WriteJSON(w, http.StatusOK, View{
			Graph:   g,
			Filters: f,
			Visible: visible,
			Domains: Domains(onCanvas),
			Tags:    Tags(onCanvas),
		})
	}
}

func handleReload(syncer *Synchronizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := syncer.Load(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, g)
	}
}

func handleEditNode(syncer *Synchronizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Geometry
		if err := api.Decode(r, &p); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if p.Position == nil && p.Size == nil {
			api.WriteError(w, http.StatusBadRequest, "position or size is required")
			return
		}
		n, err := syncer.Edit(chi.URLParam(r, "id"), p)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, n)
	}
}

func handleFlush(syncer *Synchronizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := syncer.Flush(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetViewport(syncer *Synchronizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := syncer.Viewport(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, v)
	}
}

func handleSetViewport(syncer *Synchronizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var v Viewport
		if err := api.Decode(r, &v); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := syncer.SetViewport(v); err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, v)
	}
}

func handleGetFilters(filters *FilterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := filters.Load(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, f)
	}
}

func handleSetFilters(filters *FilterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f FilterState
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := filters.Save(r.Context(), f); err != nil {
			writeErr(w, err)
			return
		}
		saved, err := filters.Load(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, saved)
	}
}
