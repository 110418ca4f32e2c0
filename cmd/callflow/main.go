package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avelin/callflow/internal/completion"
	"github.com/avelin/callflow/internal/config"
	"github.com/avelin/callflow/internal/flow"
	"github.com/avelin/callflow/internal/history"
	"github.com/avelin/callflow/internal/httpapi"
	"github.com/avelin/callflow/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer archive.Close()

	completer, err := completion.NewAdapter(completion.Config{
		Mode:    cfg.CompletionMode,
		HTTPURL: cfg.CompletionHTTPURL,
	})
	if err != nil {
		log.Fatalf("completion adapter init failed: %v", err)
	}

	manager, err := flow.NewManager(cfg.Flow, completer, archive, metrics, cfg.SessionRetention)
	if err != nil {
		log.Fatalf("flow manager init failed: %v", err)
	}

	api := httpapi.New(cfg, manager, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	manager.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
