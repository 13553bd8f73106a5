package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"BulkSend/internal/dispatch"
	"BulkSend/internal/models"
	"BulkSend/internal/notify"
	"BulkSend/internal/session"
)

var validate = validator.New()

type Handler struct {
	Orchestrator *dispatch.Orchestrator
	Store        *session.Store
	Hub          *notify.Hub
	Log          *zap.Logger
}

func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Post("/send", h.SendEmails)
	r.Post("/stop", h.Stop)

	r.Get("/session", h.GetSession)
	r.Delete("/session", h.ClearSession)
	r.Post("/session/resume", h.ResumeSession)

	r.Get("/stats", h.Stats)

	r.Get("/failed", h.ListFailed)
	r.Delete("/failed", h.ClearFailed)
	r.Delete("/failed/{email}", h.RemoveFailed)

	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)

	r.Get("/events", h.Events)

	return r
}

type jobRequest struct {
	Email     string   `json:"email" validate:"required,email"`
	Subject   string   `json:"subject" validate:"required"`
	Content   string   `json:"content"`
	ImageURL  string   `json:"image_url"`
	ImageURLs []string `json:"image_urls" validate:"omitempty,dive,url"`
	Category  string   `json:"category"`
}

type sendRequest struct {
	Jobs     []jobRequest    `json:"jobs" validate:"required,min=1,dive"`
	Schedule models.Schedule `json:"schedule"`
}

func (req sendRequest) jobs() []models.Job {
	jobs := make([]models.Job, len(req.Jobs))
	for i, j := range req.Jobs {
		urls := j.ImageURLs
		if len(urls) == 0 {
			urls = models.ExtractImageURLs(j.ImageURL)
		}
		jobs[i] = models.Job{
			Index:     i,
			Email:     strings.TrimSpace(j.Email),
			Subject:   j.Subject,
			Content:   j.Content,
			ImageURLs: urls,
			Category:  strings.TrimSpace(j.Category),
		}
	}
	return jobs
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

func (h *Handler) SendEmails(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.Orchestrator.Launch(r.Context(), req.jobs(), req.Schedule)
	if err != nil {
		h.writeRunErr(w, err)
		return
	}

	h.Log.Info("send run started",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Mode)),
		zap.Int("jobs", run.Total),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"mode":   run.Mode,
		"total":  run.Total,
	})
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"stopped": h.Orchestrator.Stop()})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.Store.LoadSession(r.Context())
	if err != nil {
		h.writeInternal(w, "load session", err)
		return
	}
	if state == nil {
		writeErr(w, http.StatusNotFound, dispatch.ErrNoSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearSession(r.Context()); err != nil {
		h.writeInternal(w, "clear session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	var sch models.Schedule
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	run, err := h.Orchestrator.Resume(r.Context(), sch)
	if err != nil {
		h.writeRunErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"mode":   run.Mode,
		"total":  run.Total,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.Store.LoadStats(ctx)
	if err != nil {
		h.writeInternal(w, "load stats", err)
		return
	}
	sentTotal, sentToday, err := h.Store.SentSummary(ctx)
	if err != nil {
		h.writeInternal(w, "load sent log", err)
		return
	}
	failed, err := h.Store.ListFailed(ctx)
	if err != nil {
		h.writeInternal(w, "load failed emails", err)
		return
	}

	resp := map[string]any{
		"stats":      stats,
		"sent_total": sentTotal,
		"sent_today": sentToday,
		"failed":     len(failed),
		"active":     false,
	}
	if run := h.Orchestrator.Active(); run != nil {
		processed, ok, bad := run.Progress()
		resp["active"] = true
		resp["run"] = map[string]any{
			"run_id":    run.ID,
			"mode":      run.Mode,
			"total":     run.Total,
			"processed": processed,
			"sent":      ok,
			"failed":    bad,
			"cancelled": run.Cancelled(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.Store.ListFailed(r.Context())
	if err != nil {
		h.writeInternal(w, "load failed emails", err)
		return
	}
	if failed == nil {
		failed = []models.FailedRecord{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearFailed(r.Context()); err != nil {
		h.writeInternal(w, "clear failed emails", err)
		return
	}
	h.Hub.Notify(notify.EventFailedUpdated, notify.FailedCountPayload{Count: 0})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RemoveFailed(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "email")

	removed, err := h.Store.RemoveFailed(r.Context(), addr)
	if err != nil {
		h.writeInternal(w, "remove failed email", err)
		return
	}
	if removed == 0 {
		writeErr(w, http.StatusNotFound, fmt.Sprintf("%s is not in the failed list", addr))
		return
	}

	if failed, err := h.Store.ListFailed(r.Context()); err == nil {
		h.Hub.Notify(notify.EventFailedUpdated, notify.FailedCountPayload{Count: len(failed)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Store.LoadSettings(r.Context())
	if err != nil {
		h.writeInternal(w, "load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := settings.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Store.SaveSettings(r.Context(), settings); err != nil {
		h.writeInternal(w, "save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// Events streams notifier events as server-sent events until the client
// goes away.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := h.Hub.Subscribe()
	defer cancel()

	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				h.Log.Warn("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeRunErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrRunActive):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrNoSession):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNoJobs),
		errors.Is(err, dispatch.ErrNoSender),
		errors.Is(err, models.ErrInvalidPolicy):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		h.writeInternal(w, "start run", err)
	}
}

func (h *Handler) writeInternal(w http.ResponseWriter, op string, err error) {
	h.Log.Error(op+" failed", zap.Error(err))
	writeErr(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
