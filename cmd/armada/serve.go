package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"

	"github.com/hexline/armada/pkg/config"
	"github.com/hexline/armada/pkg/fleet"
	"github.com/hexline/armada/pkg/lobby"
	"github.com/hexline/armada/pkg/playlist"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

func serveCommand(configs []string) error {
	conf, err := config.Process(configs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load armada configuration")
	}

	// The fleet secret lives for exactly one manager lifetime.
	secret, err := fleet.NewSecret()
	if err != nil {
		return err
	}

	serialized, err := json.Marshal(conf)
	if err != nil {
		return err
	}

	binary, err := os.Executable()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := fleet.NewPool(secret, fleet.ProcessRunner(binary, []string{
		"ARMADA_SECRET=" + secret,
		"ARMADA_CONFIG=" + string(serialized),
	}))
	pool.Start(ctx, conf.Fleet.Workers, conf.Fleet.BasePort)

	sequencer := playlist.NewSequencer()
	broadcaster := lobby.NewBroadcaster()
	directory := lobby.NewDirectory(
		pool,
		sequencer,
		conf.Fleet.MaxPlayers,
		broadcaster,
	)
	go directory.Run(ctx)

	router := chi.NewRouter()

	router.Get("/api/public_lobbies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(directory.Cached())
	})

	router.Get("/api/lobbies/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			log.Debug().Err(err).Msg("push channel accept failed")
			return
		}
		defer c.Close(websocket.StatusInternalError, "push channel fault")

		err = broadcaster.Subscribe(r.Context(), c)
		if errors.Is(err, context.Canceled) {
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
			websocket.CloseStatus(err) == websocket.StatusGoingAway {
			return
		}
		if err != nil {
			log.Debug().Err(err).Msg("push channel closed")
		}
	})

	// Session traffic always lands on the worker that owns the session.
	router.Get("/join/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		target, err := url.Parse(pool.RouteURL(id))
		if err != nil {
			http.Error(w, "bad route", http.StatusBadGateway)
			return
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ServeHTTP(w, r)
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", conf.Manager.Port),
		Handler: router,
	}

	log.Info().
		Int("port", conf.Manager.Port).
		Int("workers", conf.Fleet.Workers).
		Msg("fleet manager listening")

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	select {
	case err := <-errc:
		log.Error().Err(err).Msg("failed to serve")
	case sig := <-sigs:
		log.Info().Msgf("terminating: %v", sig)
	}

	httpServer.Shutdown(ctx)
	return nil
}
