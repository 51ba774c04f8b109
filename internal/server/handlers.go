package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/llm"
	"github.com/ziadkadry99/nabokov/internal/pipelines"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

// Gateway is the part of the LLM gateway the proxy endpoints use.
type Gateway interface {
	Complete(ctx context.Context, msgs []llm.Message, opts llm.Options) (*llm.Reply, error)
	Stream(ctx context.Context, msgs []llm.Message, opts llm.Options, onChunk func(string)) (string, error)
	ProviderName() string
	HasKey(ctx context.Context) bool
}

var _ Gateway = (*llm.Gateway)(nil)

// RegisterGatewayRoutes mounts the LLM proxy endpoints.
func RegisterGatewayRoutes(r chi.Router, gw Gateway, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r.Post("/api/message", handleMessage(gw))
	r.Post("/api/stream", handleStream(gw, logger))
}

// RegisterSettingsRoutes mounts the API key, settings and storage usage
// endpoints.
func RegisterSettingsRoutes(r chi.Router, local, session *storage.Store, gw Gateway) {
	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/", handleGetSettings(local))
		r.Put("/", handlePutSettings(local))
		r.Get("/api-key", handleKeyStatus(local, gw))
		r.Put("/api-key", handleSetKey(local))
		r.Delete("/api-key", handleDeleteKey(local))
	})
	r.Get("/api/storage/usage", handleUsage(local, session))
}

type messageRequest struct {
	Messages []llm.Message `json:"messages" validate:"required,min=1,dive"`
	Options  llm.Options   `json:"options"`
}

type messageResponse struct {
	Content  string    `json:"content"`
	Metadata llm.Reply `json:"metadata"`
}

func handleMessage(gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		reply, err := gw.Complete(r.Context(), req.Messages, req.Options)
		if err != nil {
			api.WriteError(w, pipelines.StatusFor(err), err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, messageResponse{Content: reply.Text, Metadata: *reply})
	}
}

// handleStream answers with SSE deltas, then [DONE]. Validation failures
// are plain JSON errors since no stream has started yet.
func handleStream(gw Gateway, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		sse, err := api.NewSSE(w)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_, err = gw.Stream(r.Context(), req.Messages, req.Options, func(chunk string) {
			if werr := sse.Delta(chunk); werr != nil {
				logger.Debug("writing delta", zap.Error(werr))
			}
		})
		if err != nil && !errors.Is(err, llm.ErrCancelled) {
			sse.Error(err.Error())
		}
		sse.Done()
	}
}

type keyRequest struct {
	APIKey string `json:"apiKey" validate:"required,min=8"`
}

func handleSetKey(local *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req keyRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := local.Set(r.Context(), storage.KeyAPIKey, req.APIKey); err != nil {
			api.WriteError(w, storageStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteKey(local *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := local.Remove(r.Context(), storage.KeyAPIKey); err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleKeyStatus never returns the key itself.
func handleKeyStatus(local *storage.Store, gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var key string
		stored, err := local.Get(r.Context(), storage.KeyAPIKey, &key)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"provider":   gw.ProviderName(),
			"configured": gw.HasKey(r.Context()),
			"stored":     stored && key != "",
		})
	}
}

func handleGetSettings(local *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		settings := map[string]any{}
		if _, err := local.Get(r.Context(), storage.KeySettings, &settings); err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, settings)
	}
}

func handlePutSettings(local *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var settings map[string]any
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if settings == nil {
			settings = map[string]any{}
		}
		if err := local.Set(r.Context(), storage.KeySettings, settings); err != nil {
			api.WriteError(w, storageStatus(err), err.Error())
			return
		}
		api.WriteJSON(w, http.StatusOK, settings)
	}
}

func handleUsage(local, session *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]storage.Usage{}
		for _, s := range []*storage.Store{local, session} {
			u, err := s.Usage(r.Context())
			if err != nil {
				api.WriteError(w, http.StatusInternalServerError, err.Error())
				return
			}
			out[string(s.Area())] = u
		}
		api.WriteJSON(w, http.StatusOK, out)
	}
}

func storageStatus(err error) int {
	if errors.Is(err, storage.ErrQuotaExceeded) {
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
