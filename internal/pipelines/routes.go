package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// StatusCancelled is sent when the caller cancelled a generation.
const StatusCancelled = http.StatusRequestTimeout

// RegisterRoutes mounts the button and generation routes.
func RegisterRoutes(r chi.Router, svc *Service, buttons *prompts.ButtonStore) {
	r.Route("/api/buttons", func(r chi.Router) {
		r.Get("/", handleListButtons(buttons))
		r.Put("/", handleSaveButtons(buttons))
		r.Delete("/", handleResetButtons(buttons))
	})
	r.Route("/api/pipelines", func(r chi.Router) {
		r.Post("/button", handleButton(svc))
		r.Post("/child", handleChild(svc))
		r.Get("/fill-in/{id}", handleReadiness(svc))
		r.Post("/fill-in", handleFillIn(svc))
		r.Post("/beautify", handleBeautify(svc))
		r.Post("/revert/{id}", handleRevert(svc))
	})
}

// StatusFor maps pipeline and gateway errors to HTTP status codes.
func StatusFor(err error) int {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, llm.ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrInvalidRequest), errors.Is(err, prompts.ErrInvalidButton):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr), errors.Is(err, llm.ErrNoAPIKey):
		return http.StatusBadGateway
	default:
		return cards.StatusFor(err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	api.WriteError(w, StatusFor(err), err.Error())
}

// run executes a generation either as a JSON request or, when the client
// asks for it, as an event stream of deltas followed by the result.
func run[T any](svc *Service, pipeline string, w http.ResponseWriter, r *http.Request, status int, fn func(ctx context.Context, onChunk func(string)) (T, error)) {
	if !api.WantsStream(r) {
		res, err := fn(r.Context(), nil)
		svc.observe(pipeline, err)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, status, res)
		return
	}

	sse, err := api.NewSSE(w)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := fn(r.Context(), func(chunk string) {
		if werr := sse.Delta(chunk); werr != nil {
			svc.logger.Debug("writing delta", zap.Error(werr))
		}
	})
	svc.observe(pipeline, err)
	if err != nil {
		if !errors.Is(err, llm.ErrCancelled) {
			sse.Error(err.Error())
		}
		sse.Done()
		return
	}
	sse.Send(map[string]any{"result": res})
	sse.Done()
}

func handleListButtons(buttons *prompts.ButtonStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := buttons.List(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		if r.URL.Query().Get("enabled") == "true" {
			if list, err = buttons.Enabled(r.Context()); err != nil {
				writeErr(w, err)
				return
			}
		}
		if list == nil {
			list = []prompts.Button{}
		}
		api.WriteJSON(w, http.StatusOK, list)
	}
}

func handleSaveButtons(buttons *prompts.ButtonStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var list []prompts.Button
		if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := buttons.Save(r.Context(), list); err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, list)
	}
}

func handleResetButtons(buttons *prompts.ButtonStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := buttons.Reset(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleButton(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ButtonRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		run(svc, "button", w, r, http.StatusCreated, func(ctx context.Context, onChunk func(string)) (*Result, error) {
			return svc.GenerateFromButton(ctx, req, onChunk)
		})
	}
}

func handleChild(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChildRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		run(svc, "child", w, r, http.StatusCreated, func(ctx context.Context, onChunk func(string)) (*Result, error) {
			return svc.GenerateChild(ctx, req, onChunk)
		})
	}
}

func handleReadiness(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ready, err := svc.Readiness(r.Context(), chi.URLParam(r, "id"),
			cards.Direction(q.Get("direction")), prompts.Strategy(q.Get("strategy")))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, ready)
	}
}

func handleFillIn(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FillInRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		run(svc, "fill-in", w, r, http.StatusOK, func(ctx context.Context, onChunk func(string)) (*cards.Card, error) {
			return svc.FillIn(ctx, req, onChunk)
		})
	}
}

func handleBeautify(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BeautifyRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		card, err := svc.Beautify(r.Context(), req)
		svc.observe("beautify", err)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, card)
	}
}

func handleRevert(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card, err := svc.Revert(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, card)
	}
}
