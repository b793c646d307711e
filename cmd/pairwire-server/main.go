package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairwire/pairwire/pkg/engine"
	"github.com/pairwire/pairwire/pkg/session"
	"github.com/pairwire/pairwire/pkg/signaling"
)

func main() {
	var (
		port        = flag.String("port", "3000", "HTTP server port")
		announcedIP = flag.String("announced-ip", "", "public IP to advertise in ICE candidates (behind 1:1 NAT)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Load from environment if flags not set
	if *port == "3000" {
		if p := os.Getenv("PORT"); p != "" {
			*port = p
		}
	}
	if *announcedIP == "" {
		*announcedIP = os.Getenv("PAIRWIRE_ANNOUNCED_IP")
	}
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	logger := setupLogger(*logLevel)

	logger.Info("starting pairing server", "port", *port, "announcedIp", *announcedIP)

	eng, err := engine.NewPion(engine.PionConfig{
		AnnouncedIP: *announcedIP,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to create media engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	coord := session.NewCoordinator(eng, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := signaling.NewHandler(ctx, coord, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", signaling.ServeWS(handler, logger))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		connections, waiting, sessions := coord.Counts()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "healthy",
			"connections": connections,
			"waiting":     waiting,
			"sessions":    sessions,
			"timestamp":   time.Now().Unix(),
		})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		connections, waiting, sessions := coord.Counts()
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "# HELP pairwire_connections_active Number of connected clients\n")
		fmt.Fprintf(w, "# TYPE pairwire_connections_active gauge\n")
		fmt.Fprintf(w, "pairwire_connections_active %d\n", connections)
		fmt.Fprintf(w, "# HELP pairwire_waiting Number of clients in the matchmaking queue\n")
		fmt.Fprintf(w, "# TYPE pairwire_waiting gauge\n")
		fmt.Fprintf(w, "pairwire_waiting %d\n", waiting)
		fmt.Fprintf(w, "# HELP pairwire_sessions_active Number of active sessions\n")
		fmt.Fprintf(w, "# TYPE pairwire_sessions_active gauge\n")
		fmt.Fprintf(w, "pairwire_sessions_active %d\n", sessions)
	})

	server := &http.Server{
		Addr:    ":" + *port,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("pairing server stopped")
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
