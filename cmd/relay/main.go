// Relay: the WebSocket signaling server p2pdrop peers rendezvous through.
// It only forwards setup messages; file data never passes through it.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/1ureka/p2pdrop/internal/config"
	"github.com/1ureka/p2pdrop/internal/relay"
	"github.com/1ureka/p2pdrop/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.LoadRelay()

	port := flag.String("port", cfg.Port, "Listen port")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	cfg.Port = *port

	if *debugMode {
		util.EnableDebug()
	}

	hub := relay.NewHub()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           relay.NewRouter(cfg, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if cfg.JWTSecret == "" {
		util.LogWarning("JWT_SECRET not set: relay accepts unauthenticated clients")
	}
	util.LogInfo("Starting signaling relay on port %s", cfg.Port)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay shut down")
}
