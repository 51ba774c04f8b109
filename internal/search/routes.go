package search

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
)

// RegisterRoutes mounts the search API routes.
func RegisterRoutes(r chi.Router, ix *Index) {
	r.Route("/api/search", func(r chi.Router) {
		r.Get("/", handleSearch(ix))
		r.Get("/status", handleStatus(ix))
		r.Post("/rebuild", handleRebuild(ix))
		r.Get("/related/{id}", handleRelated(ix))
	})
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultLimit
	}
	return n
}

func handleSearch(ix *Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := Filter{
			Domain:         q.Get("domain"),
			CardType:       cards.CardType(q.Get("type")),
			IncludeStashed: q.Get("stashed") == "true",
		}
		hits, err := ix.Search(r.Context(), q.Get("q"), limitParam(r), f)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, hits)
	}
}

func handleRelated(ix *Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hits, err := ix.Related(r.Context(), chi.URLParam(r, "id"), limitParam(r))
		if errors.Is(err, ErrNotIndexed) {
			api.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, hits)
	}
}

func handleRebuild(ix *Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := ix.Rebuild(r.Context())
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]int{"indexed": n})
	}
}

func handleStatus(ix *Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"embedder": ix.Embedder(),
			"count":    ix.Count(),
		})
	}
}
