// Command fixflowd serves the repair-assistant gateway over HTTP with
// server-sent events. It trusts an upstream proxy for authentication and
// reads the caller identity from a configurable header.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/fixflow"
	"github.com/hupe1980/fixflow/config"
	"github.com/hupe1980/fixflow/core"
	"github.com/hupe1980/fixflow/logging"
	"github.com/hupe1980/fixflow/model"
	"github.com/hupe1980/fixflow/model/anthropic"
	"github.com/hupe1980/fixflow/model/openai"
	"github.com/hupe1980/fixflow/router"
	"github.com/hupe1980/fixflow/store"
	"github.com/hupe1980/fixflow/store/sqlite"
	"github.com/hupe1980/fixflow/stream"
	"github.com/hupe1980/fixflow/tool"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fixflowd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewJSONLogger(os.Stdout, parseLevel(cfg.Logging.Level))

	gw, cleanup, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(gw, cfg.Server.OwnerHeader, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		gw.Flush()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildGateway(cfg config.Config, logger logging.Logger) (*fixflow.Gateway, func(), error) {
	var chatModel model.Model
	switch cfg.Model.Provider {
	case "anthropic":
		chatModel = anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Model.Name)
			}
			o.APIKey = cfg.Model.APIKey
			o.Temperature = cfg.Model.Temperature
			o.MaxTokens = cfg.Model.MaxTokens
		})
		// The anthropic adapter answers in one final chunk.
		cfg.Model.Stream = false
	default:
		chatModel = openai.NewModel(func(o *openai.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
			o.Temperature = cfg.Model.Temperature
			o.MaxCompletionTokens = cfg.Model.MaxTokens
		})
	}

	cleanup := func() {}
	var conv store.ConversationStore
	var usageStore store.UsageStore
	if cfg.Store.Driver == "sqlite" {
		db, err := sqlite.New(cfg.Store.Path, func(o *sqlite.Options) { o.Logger = logger })
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		conv, usageStore = db, db
		cleanup = func() { _ = db.Close() }
	}

	tools := tool.NewSet(func(o *tool.Options) {
		if cfg.Tools.IFixitBaseURL != "" {
			o.IFixit = tool.NewIFixitClient(func(io *tool.IFixitOptions) { io.BaseURL = cfg.Tools.IFixitBaseURL })
		}
		o.Search = tool.NewSearchClient(func(so *tool.SearchOptions) { so.TavilyAPIKey = cfg.Tools.TavilyAPIKey })
		o.Logger = logger
	})

	gw := fixflow.New(chatModel, func(o *fixflow.Options) {
		o.Store = conv
		o.UsageStore = usageStore
		o.Tools = tools
		o.Logger = logger
		o.RouterOptions = []func(ro *router.Options){func(ro *router.Options) {
			ro.MaxRounds = cfg.Router.MaxRounds
			ro.ToolTimeout = time.Duration(cfg.Router.ToolTimeoutSeconds) * time.Second
			ro.Stream = cfg.Model.Stream
		}}
	})
	return gw, cleanup, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type handler struct {
	gw          *fixflow.Gateway
	ownerHeader string
	logger      logging.Logger
	mux         *http.ServeMux
}

func newHandler(gw *fixflow.Gateway, ownerHeader string, logger logging.Logger) http.Handler {
	h := &handler{gw: gw, ownerHeader: ownerHeader, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /chat/stream", h.chatStream)
	h.mux.HandleFunc("GET /chat/history", h.history)
	h.mux.HandleFunc("DELETE /chat/history", h.clearHistory)
	h.mux.HandleFunc("GET /chat/sessions", h.sessions)
	h.mux.HandleFunc("GET /usage", h.usage)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return h.mux
}

func (h *handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(h.ownerHeader)
	if owner == "" {
		http.Error(w, "missing owner header", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

type chatBody struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (h *handler) chatStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var body chatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	events, err := h.gw.Chat(r.Context(), fixflow.ChatRequest{
		OwnerID:  owner,
		ThreadID: body.ThreadID,
		Message:  body.Message,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		frame, err := stream.EncodeSSE(ev)
		if err != nil {
			h.logger.Error("server.encode_failed", "error", err)
			continue
		}
		if _, err := w.Write(frame); err != nil {
			// Client gone; keep draining so the turn completes server-side.
			continue
		}
		flusher.Flush()
	}
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}
	msgs, err := h.gw.History(r.Context(), owner, threadID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"thread_id": threadID, "messages": msgs})
}

func (h *handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	// Without a thread_id the owner's entire history is cleared.
	threadID := r.URL.Query().Get("thread_id")
	var err error
	if threadID == "" {
		err = h.gw.ClearAllHistory(r.Context(), owner)
	} else {
		err = h.gw.ClearHistory(r.Context(), owner, threadID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	stats, err := h.gw.Sessions(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"sessions": stats})
}

func (h *handler) usage(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	total, err := h.gw.Usage(r.Context(), owner)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"owner_id": owner, "total_tokens": total})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var authErr *core.AuthorizationError
	switch {
	case errors.As(err, &authErr):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.logger.Error("server.request_failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
