package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mweber/quizparty/game"
	"github.com/mweber/quizparty/signal"
	ws "github.com/mweber/quizparty/websocket"
)

func serve(ctx context.Context, cfg *Config) error {
	store, err := game.OpenStore(cfg.databaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	hub := ws.NewHub()
	registry := ws.NewCommandRegistry()

	lobbies := game.NewManager(store)
	gameRoutes := game.NewRoutes(lobbies, hub, cfg.adminPassword, []byte(cfg.jwtSecret))

	presence := signal.NewPresence()
	relay := signal.NewRelay(hub, presence, lobbies.Validate, cfg.turnSecret)

	mux := http.NewServeMux()
	relay.Register(mux, registry)
	gameRoutes.Register(mux, registry)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go hub.Run()

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.bind, fmt.Sprintf("%d", cfg.port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websockets hold the connection open
		IdleTimeout:  90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[INFO] listening | addr=%s", srv.Addr)
		if cfg.tlsCert != "" {
			errCh <- srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
