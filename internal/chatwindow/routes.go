package chatwindow

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ziadkadry99/nabokov/internal/api"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/prompts"
)

// RegisterRoutes mounts the element chat API routes.
func RegisterRoutes(r chi.Router, m *Manager, staleAfter time.Duration) {
	r.Route("/api/chats", func(r chi.Router) {
		r.Post("/", handleOpen(m))
		r.Get("/", handleList(m))
		r.Delete("/", handleDelete(m))
		r.Get("/open", handleOpenIDs(m))
		r.Post("/clean", handleClean(m, staleAfter))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handleView(m))
			r.Post("/messages", handleSend(m))
			r.Post("/stop", handleStop(m.Window))
			r.Delete("/queue", handleClearQueue(m.Window))
			r.Post("/collapse", handleCollapse(m.Window))
			r.Put("/settings", handleSettings(m.Window))
			r.Put("/size", handleResize(m))
			r.Post("/tick", handleTick(m))
			r.Post("/drag/start", handleBeginDrag(m))
			r.Post("/drag/end", handleEndDrag(m))
			r.Post("/reposition", handleReposition(m))
			r.Get("/events", handleEvents(m.Window))
			r.Post("/close", handleClose(m))
		})
	})
}

// RegisterCardChatRoutes mounts the inline card chat routes.
func RegisterCardChatRoutes(r chi.Router, c *CardChats) {
	r.Route("/api/card-chats/{id}", func(r chi.Router) {
		r.Post("/", handleOpenCardChat(c))
		r.Get("/", handleCardChat(c))
		r.Post("/messages", handleCardChatSend(c))
		r.Post("/stop", handleStop(c.Window))
		r.Delete("/queue", handleClearQueue(c.Window))
		r.Post("/collapse", handleCollapse(c.Window))
		r.Put("/settings", handleSettings(c.Window))
		r.Get("/events", handleEvents(c.Window))
		r.Post("/close", handleCloseCardChat(c))
	})
}

// RegisterPageChatRoutes mounts the page chat routes.
func RegisterPageChatRoutes(r chi.Router, p *PageChats) {
	r.Route("/api/page-chats", func(r chi.Router) {
		r.Post("/", handleOpenPageChat(p))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handlePageChat(p))
			r.Post("/messages", handlePageChatSend(p))
			r.Post("/stop", handleStop(p.Window))
			r.Delete("/queue", handleClearQueue(p.Window))
			r.Post("/collapse", handleCollapse(p.Window))
			r.Put("/settings", handleSettings(p.Window))
			r.Get("/events", handleEvents(p.Window))
			r.Post("/save", handleSavePageChat(p))
			r.Post("/close", handleClosePageChat(p))
		})
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotOpen):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrEmptyChat):
		return http.StatusBadRequest
	case errors.Is(err, ErrClosed):
		return http.StatusConflict
	default:
		return cards.StatusFor(err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	api.WriteError(w, statusFor(err), err.Error())
}

func handleOpen(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		v, err := m.Open(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, v)
	}
}

func handleList(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			api.WriteError(w, http.StatusBadRequest, "page is required")
			return
		}
		sessions, err := m.List(r.Context(), page)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, sessions)
	}
}

func handleDelete(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		element := r.URL.Query().Get("element")
		if page == "" || element == "" {
			api.WriteError(w, http.StatusBadRequest, "page and element are required")
			return
		}
		ok, err := m.Delete(r.Context(), page, element)
		if err != nil {
			writeErr(w, err)
			return
		}
		if !ok {
			api.WriteError(w, http.StatusNotFound, "no chat for element")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleOpenIDs(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, m.OpenIDs())
	}
}

type cleanRequest struct {
	OlderThanDays int `json:"olderThanDays" validate:"omitempty,min=1"`
}

func handleClean(m *Manager, staleAfter time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanRequest
		if r.ContentLength != 0 {
			if err := api.Decode(r, &req); err != nil {
				api.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		age := staleAfter
		if req.OlderThanDays > 0 {
			age = time.Duration(req.OlderThanDays) * 24 * time.Hour
		}
		n, err := m.ClearOld(r.Context(), age)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]int{"removed": n})
	}
}

func handleView(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := m.View(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, v)
	}
}

type sendRequest struct {
	Text string `json:"text" validate:"required,max=20000"`
}

func handleSend(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		id := chi.URLParam(r, "id")
		queued, err := m.Send(r.Context(), id, req.Text)
		if err != nil {
			writeErr(w, err)
			return
		}
		v, err := m.View(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": queued, "chat": v})
	}
}

// windowLookup finds an open window by the id in the route.
type windowLookup func(id string) (*Window, error)

func withWindow(lookup windowLookup, fn func(http.ResponseWriter, *http.Request, *Window)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, err := lookup(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		fn(w, r, win)
	}
}

func handleStop(lookup windowLookup) http.HandlerFunc {
	return withWindow(lookup, func(w http.ResponseWriter, r *http.Request, win *Window) {
		api.WriteJSON(w, http.StatusOK, map[string]bool{"stopped": win.Stop()})
	})
}

func handleClearQueue(lookup windowLookup) http.HandlerFunc {
	return withWindow(lookup, func(w http.ResponseWriter, r *http.Request, win *Window) {
		api.WriteJSON(w, http.StatusOK, map[string]int{"cleared": win.ClearQueue()})
	})
}

type collapseRequest struct {
	Collapsed *bool `json:"collapsed"`
}

func handleCollapse(lookup windowLookup) http.HandlerFunc {
	return withWindow(lookup, func(w http.ResponseWriter, r *http.Request, win *Window) {
		var req collapseRequest
		if r.ContentLength != 0 {
			if err := api.Decode(r, &req); err != nil {
				api.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if req.Collapsed == nil {
			win.ToggleCollapsed()
		} else {
			win.SetCollapsed(*req.Collapsed)
		}
		api.WriteJSON(w, http.StatusOK, win.Snapshot())
	})
}

type settingsRequest struct {
	ClearPreviousAssistant bool `json:"clearPreviousAssistant"`
}

func handleSettings(lookup windowLookup) http.HandlerFunc {
	return withWindow(lookup, func(w http.ResponseWriter, r *http.Request, win *Window) {
		var req settingsRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		win.SetReplacePreviousAssistant(req.ClearPreviousAssistant)
		api.WriteJSON(w, http.StatusOK, win.Snapshot())
	})
}

type sizeRequest struct {
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
}

func handleResize(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sizeRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := m.Resize(chi.URLParam(r, "id"), Size(req)); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type layoutRequest struct {
	Elements Layout `json:"elements"`
	Position *Point `json:"position,omitempty"`
}

func handleTick(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req layoutRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, err := m.Tick(chi.URLParam(r, "id"), req.Elements)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

func handleBeginDrag(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.BeginDrag(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

func handleEndDrag(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pos Point
		if err := api.Decode(r, &pos); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		p, err := m.EndDrag(chi.URLParam(r, "id"), pos)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

func handleReposition(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req layoutRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Position == nil {
			api.WriteError(w, http.StatusBadRequest, "position is required")
			return
		}
		// A still-missing anchor is reported in the placement, not as a failure.
		p, err := m.Reposition(chi.URLParam(r, "id"), req.Elements, *req.Position)
		if err != nil && !errors.Is(err, ErrAnchorMissing) {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, p)
	}
}

// handleEvents streams window snapshots until the client goes away.
func handleEvents(lookup windowLookup) http.HandlerFunc {
	return withWindow(lookup, func(w http.ResponseWriter, r *http.Request, win *Window) {
		sse, err := api.NewSSE(w)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		updates := make(chan Snapshot, 16)
		unsub := win.Subscribe(func(s Snapshot) {
			select {
			case updates <- s:
			default:
			}
		})
		defer unsub()

		if err := sse.Send(win.Snapshot()); err != nil {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case s := <-updates:
				if err := sse.Send(s); err != nil {
					return
				}
			}
		}
	})
}

func handleClose(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleOpenCardChat(c *CardChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		win, err := c.Open(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, win.Snapshot())
	}
}

func handleCardChat(c *CardChats) http.HandlerFunc {
	return withWindow(c.Window, func(w http.ResponseWriter, r *http.Request, win *Window) {
		api.WriteJSON(w, http.StatusOK, win.Snapshot())
	})
}

func handleCardChatSend(c *CardChats) http.HandlerFunc {
	return withWindow(c.Window, func(w http.ResponseWriter, r *http.Request, win *Window) {
		var req sendRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		queued, err := win.Send(r.Context(), req.Text)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": queued, "chat": win.Snapshot()})
	})
}

func handleCloseCardChat(c *CardChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleOpenPageChat(p *PageChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req prompts.PageContext
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.WriteJSON(w, http.StatusCreated, p.Open(req))
	}
}

func handlePageChat(p *PageChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := p.View(chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, v)
	}
}

func handlePageChatSend(p *PageChats) http.HandlerFunc {
	return withWindow(p.Window, func(w http.ResponseWriter, r *http.Request, win *Window) {
		var req sendRequest
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		queued, err := win.Send(r.Context(), req.Text)
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": queued, "chat": win.Snapshot()})
	})
}

func handleSavePageChat(p *PageChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		card, err := p.SaveToCanvas(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		api.WriteJSON(w, http.StatusCreated, card)
	}
}

func handleClosePageChat(p *PageChats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
