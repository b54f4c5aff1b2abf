package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hexline/armada/pkg/archive"
	"github.com/hexline/armada/pkg/config"
	"github.com/hexline/armada/pkg/fleet"
	"github.com/hexline/armada/pkg/session"

	"github.com/rs/zerolog/log"
)

func workerCommand(id int, port int) error {
	conf, err := config.FromEnv()
	if err != nil {
		return err
	}

	secret, ok := os.LookupEnv("ARMADA_SECRET")
	if !ok {
		return fmt.Errorf("ARMADA_SECRET not defined")
	}

	var store *archive.Store
	if dir := conf.Fleet.ArchiveDirectory; dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}

		path := filepath.Join(dir, fmt.Sprintf("worker_%d.db", id))
		store, err = archive.NewStore(path)
		if err != nil {
			// Archival is best-effort; the worker still hosts
			// sessions without it.
			log.Error().Err(err).Msg("archive store unavailable")
			store = nil
		}
	}

	host := session.NewHost(
		secret,
		port,
		time.Duration(conf.Fleet.TurnIntervalMs)*time.Millisecond,
		time.Duration(conf.Fleet.LobbyWaitSeconds)*time.Second,
		store,
	)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler: host.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(listener)
	}()

	// The supervisor tails stdout for this exact line; it must come
	// after the listener is bound and exactly once.
	fmt.Println(fleet.ReadySentinel)

	log.Info().Int("id", id).Int("port", port).Msg("worker serving")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigs:
		log.Info().Msgf("terminating: %v", sig)
	}

	httpServer.Shutdown(context.Background())
	return nil
}
