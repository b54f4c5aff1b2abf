package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hexline/armada/pkg/archive"
	"github.com/hexline/armada/pkg/fleet"
	"github.com/hexline/armada/pkg/playlist"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"nhooyr.io/websocket"
)

// Host owns every session engine running inside one worker process and
// exposes the worker's HTTP surface.
type Host struct {
	mutex   deadlock.Mutex
	engines map[string]*Engine

	secret       string
	port         int
	turnInterval time.Duration
	lobbyWait    time.Duration
	store        *archive.Store
}

func NewHost(
	secret string,
	port int,
	turnInterval time.Duration,
	lobbyWait time.Duration,
	store *archive.Store,
) *Host {
	return &Host{
		engines:      make(map[string]*Engine),
		secret:       secret,
		port:         port,
		turnInterval: turnInterval,
		lobbyWait:    lobbyWait,
		store:        store,
	}
}

func (h *Host) Router() *chi.Mux {
	router := chi.NewRouter()

	router.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/game/{id}", h.gameStatus)
		r.Post("/create_game/{id}", h.createGame)
		r.Post("/archive/{id}", h.receiveArchive)
	})

	router.Get("/join/{id}", h.join)

	return router
}

// Intra-fleet calls carry the shared secret; everything else is rejected.
func (h *Host) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(fleet.SecretHeader) != h.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Host) Engine(id string) *Engine {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.engines[id]
}

func (h *Host) gameStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	engine := h.Engine(id)
	if engine == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(engine.DirectoryEntry())
}

// CreateGame instantiates an engine for a new session and schedules its
// start at the end of the lobby wait.
func (h *Host) CreateGame(id string, config *playlist.GameConfig) (*Engine, error) {
	engine, err := NewEngine(id, config, Options{
		TurnInterval: h.turnInterval,
		StartAt:      time.Now().Add(h.lobbyWait),
		ArchiveURL: fmt.Sprintf(
			"http://127.0.0.1:%d/api/archive/%s",
			h.port,
			id,
		),
		Secret: h.secret,
	})
	if err != nil {
		return nil, err
	}

	h.mutex.Lock()
	if _, exists := h.engines[id]; exists {
		h.mutex.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	h.engines[id] = engine
	h.mutex.Unlock()

	time.AfterFunc(h.lobbyWait, engine.Start)

	log.Info().
		Str("session", id).
		Str("map", config.Map).
		Msg("session created")

	return engine, nil
}

func (h *Host) createGame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var config playlist.GameConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "malformed config", http.StatusBadRequest)
		return
	}

	if _, err := h.CreateGame(id, &config); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Host) receiveArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	if h.store == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.store.Save(id, body); err != nil {
		log.Error().Err(err).Str("session", id).Msg("failed to store archive")
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Host) join(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	engine := h.Engine(id)
	if engine == nil {
		http.NotFound(w, r)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer c.Close(websocket.StatusInternalError, "session fault")

	err = h.subscribe(r.Context(), engine, c)
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("session", id).Msg("client connection ended")
	}
}

func turnWriteTimeout(
	ctx context.Context,
	timeout time.Duration,
	c *websocket.Conn,
	msg []byte,
) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

func (h *Host) subscribe(
	ctx context.Context,
	engine *Engine,
	c *websocket.Conn,
) error {
	client := NewClient(uuid.NewString(), func() {
		c.Close(
			websocket.StatusPolicyViolation,
			"connection too slow to keep up with turns",
		)
	})

	engine.Attach(client)
	defer engine.Detach(client)

	receive := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		for {
			_, message, err := c.Read(ctx)
			if err != nil {
				errs <- err
				return
			}

			select {
			case receive <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case err := <-errs:
			return err
		case msg := <-receive:
			engine.HandleMessage(client, msg)
		case msg := <-client.send:
			err := turnWriteTimeout(ctx, 5*time.Second, c, msg)
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
