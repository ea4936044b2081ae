package dashboard

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
	"agent-key-broker/internal/keystore"
	"agent-key-broker/internal/tasklog"
)

// KeyReader is the key pool surface the dashboard reads.
type KeyReader interface {
	ListCredentials(ctx context.Context) ([]keystore.Credential, error)
}

// TaskReader is the task log surface the dashboard reads.
type TaskReader interface {
	ListTasks(ctx context.Context, limit int) ([]tasklog.Task, error)
	ListInteractions(ctx context.Context, limit int) ([]tasklog.Interaction, error)
	ListCommands(ctx context.Context, limit int) ([]tasklog.CommandExecution, error)
	ListUsage(ctx context.Context, limit int) ([]tasklog.UsageEntry, error)
}

type Handlers struct {
	keys  KeyReader
	tasks TaskReader
	cfg   config.DashboardConfig
	loc   *time.Location

	usagePage        *template.Template
	tasksPage        *template.Template
	keysPage         *template.Template
	interactionsPage *template.Template
	commandsPage     *template.Template
}

func NewHandlers(keys KeyReader, tasks TaskReader, cfg config.DashboardConfig) *Handlers {
	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		log.Warn().Str("timezone", cfg.DisplayTimezone).Msg("unknown display timezone, using UTC")
		loc = time.UTC
	}

	h := &Handlers{keys: keys, tasks: tasks, cfg: cfg, loc: loc}

	funcs := template.FuncMap{"ts": h.formatTime}
	h.usagePage = parsePage("usage", usageTmpl, funcs)
	h.tasksPage = parsePage("tasks", tasksTmpl, funcs)
	h.keysPage = parsePage("keys", keysTmpl, funcs)
	h.interactionsPage = parsePage("interactions", interactionsTmpl, funcs)
	h.commandsPage = parsePage("commands", commandsTmpl, funcs)

	return h
}

// formatTime renders stored UTC timestamps in the configured display
// timezone. Accepts both time.Time and *time.Time columns.
func (h *Handlers) formatTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.In(h.loc).Format("2006-01-02 15:04:05")
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.In(h.loc).Format("2006-01-02 15:04:05")
	default:
		return ""
	}
}

func (h *Handlers) pageLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	if h.cfg.PageLimit > 0 {
		return h.cfg.PageLimit
	}
	return 200
}

type pageData struct {
	Title  string
	Active string
	Rows   any
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, tmpl *template.Template, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		log.Error().Err(err).
			Str("page", data.Active).
			Str("request_id", RequestIDFromContext(r.Context())).
			Msg("failed to render page")
	}
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListUsage(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	h.render(w, r, h.usagePage, pageData{Title: "Usage log", Active: "usage", Rows: rows})
}

func (h *Handlers) HandleTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListTasks(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	h.render(w, r, h.tasksPage, pageData{Title: "Tasks", Active: "tasks", Rows: rows})
}

func (h *Handlers) HandleKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := h.keys.ListCredentials(r.Context())
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	h.render(w, r, h.keysPage, pageData{Title: "API keys", Active: "keys", Rows: rows})
}

func (h *Handlers) HandleInteractions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListInteractions(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	h.render(w, r, h.interactionsPage, pageData{Title: "Interactions", Active: "interactions", Rows: rows})
}

func (h *Handlers) HandleCommands(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListCommands(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	h.render(w, r, h.commandsPage, pageData{Title: "Command log", Active: "commands", Rows: rows})
}

// JSON variants of the same views, for scripts and the CLI.

func (h *Handlers) HandleAPIKeys(w http.ResponseWriter, r *http.Request) {
	rows, err := h.keys.ListCredentials(r.Context())
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleAPITasks(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListTasks(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleAPIUsage(w http.ResponseWriter, r *http.Request) {
	rows, err := h.tasks.ListUsage(r.Context(), h.pageLimit(r))
	if err != nil {
		h.queryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) queryError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).
		Str("path", r.URL.Path).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("dashboard query failed")
	http.Error(w, "query failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
