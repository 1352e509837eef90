package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/opennotebook/server/api"
	"github.com/opennotebook/server/chat"
	"github.com/opennotebook/server/engine"
	"github.com/opennotebook/server/logger"
	"github.com/opennotebook/server/mcp"
	"github.com/opennotebook/server/middleware"
	"github.com/opennotebook/server/notebook"
	"github.com/opennotebook/server/session"
	"github.com/opennotebook/server/settings"
	"github.com/opennotebook/server/stream"
	"github.com/opennotebook/server/watch"
	"github.com/opennotebook/server/ws"
)

func newHandler(token string, devMode bool, service *chat.Service, sessions session.Store, registry *stream.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	api.NewChatHandler(service).Register(mux)
	api.NewSessionHandler(service).Register(mux)

	// Live event fan-out: SSE for browsers, JSON-RPC over WebSocket for
	// rich clients. Both feed off the same registry.
	mux.Handle("GET /api/chat/events/{session_id}", stream.NewSSEHandler(registry, sessions))
	mux.Handle("GET /ws", ws.NewRPCHandler(token, devMode, service, sessions, registry))

	return middleware.Auth(token)(mux)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	token := os.Getenv("AUTH_TOKEN")
	if token == "" {
		log.Fatal("AUTH_TOKEN environment variable is required")
	}

	devMode := os.Getenv("DEV_MODE") == "1" || os.Getenv("DEV_MODE") == "true"
	mcpMode := len(os.Args) > 1 && os.Args[1] == "mcp"

	// In MCP mode stdout carries the protocol, so logs must go to the file sink.
	logger.Init(logger.Config{DataDir: dataDir, DevMode: devMode && !mcpMode})

	settingsStore, err := settings.NewStore(dataDir)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	cfg := settingsStore.Get()

	var sessions session.Store
	var notebooks notebook.Store
	var sessionDir string

	switch os.Getenv("STORE") {
	case "", "file":
		fileStore, err := session.NewFileStore(dataDir)
		if err != nil {
			log.Fatalf("failed to create session store: %v", err)
		}
		sessions = fileStore
		sessionDir = fileStore.Dir()

		notebooks, err = notebook.NewFileStore(dataDir)
		if err != nil {
			log.Fatalf("failed to create notebook store: %v", err)
		}
	case "sqlite":
		db, err := sql.Open("sqlite", filepath.Join(dataDir, "opennotebook.db"))
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		sessions, err = session.NewSQLiteStore(db)
		if err != nil {
			log.Fatalf("failed to create session store: %v", err)
		}
		notebooks, err = notebook.NewSQLiteStore(db)
		if err != nil {
			log.Fatalf("failed to create notebook store: %v", err)
		}
	default:
		log.Fatalf("unknown STORE %q (want file or sqlite)", os.Getenv("STORE"))
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	eng, err := engine.NewOpenAIEngine(engine.OpenAIConfig{
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		BaseURL:     os.Getenv("OPENAI_BASE_URL"),
		Model:       model,
		Temperature: cfg.Temperature,
	})
	if errors.Is(err, engine.ErrNotConfigured) {
		log.Fatal("no language model configured: set model in settings.json or OPENAI_MODEL")
	}
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	registry := stream.NewRegistry()
	service := chat.NewService(chat.ServiceConfig{
		Sessions:    sessions,
		Notebooks:   notebooks,
		Engine:      eng,
		Registry:    registry,
		MaxMessages: cfg.MaxMessages,
	})

	if mcpMode {
		if err := mcp.NewServer(service).Run(context.Background()); err != nil {
			log.Fatalf("mcp server: %v", err)
		}
		return
	}

	if sessionDir != "" {
		watcher := watch.NewSessionWatcher(sessionDir, registry)
		if err := watcher.Start(); err != nil {
			log.Fatalf("failed to start session watcher: %v", err)
		}
		defer watcher.Stop()
	}

	handler := newHandler(token, devMode, service, sessions, registry)

	if devMode && term.IsTerminal(int(os.Stdout.Fd())) {
		url := fmt.Sprintf("http://localhost:%s/?token=%s", port, token)
		fmt.Printf("Scan to connect:\n")
		qrterminal.GenerateWithConfig(url, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
		fmt.Println(url)
	}

	log.Printf("Server starting on :%s (dataDir: %s)", port, dataDir)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal(err)
	}
}
