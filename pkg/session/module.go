package session

import (
	"context"
	"errors"
	"time"

	"github.com/hexline/armada/pkg/archive"
	"github.com/hexline/armada/pkg/lobby"
	"github.com/hexline/armada/pkg/playlist"
	"github.com/hexline/armada/pkg/protocol"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

type Status byte

const (
	AwaitingStart Status = iota
	Running
	Paused
	Ended
)

// Starting a session without a configuration is a construction contract
// violation, not a recoverable condition.
var ErrNoConfig = errors.New("session has no configuration")

const (
	// The pacing checker wakes this often to compare elapsed time
	// against the turn interval.
	paceInterval = 5 * time.Millisecond

	// Live sessions retain a hash every this many turns. Anything finer
	// grows without bound on long games.
	hashRetentionPeriod = 100
)

type Options struct {
	TurnInterval time.Duration
	// Replay-speed multiplier. Defaults to 1.
	Speed float64
	// When the session is scheduled to leave the lobby and start.
	StartAt time.Time
	// Non-nil puts the engine in replay-verification mode: intents come
	// from this record, never from live input, and reported hashes are
	// checked against it.
	Replay *archive.GameRecord

	// Where the final record is submitted. Empty disables archival.
	ArchiveURL string
	Secret     string
}

// Engine is the authoritative turn sequencer for one session. It is the
// single writer of the session's turn history.
type Engine struct {
	mutex  deadlock.Mutex
	logger zerolog.Logger

	id        string
	config    playlist.GameConfig
	createdAt time.Time
	startAt   time.Time
	startedAt time.Time
	status    Status

	turns   []protocol.Turn
	pending []protocol.Intent
	winner  *protocol.Winner
	players []protocol.PlayerStats

	turnInterval time.Duration
	speed        float64
	lastTurnAt   time.Time
	// The previous turn has been executed client-side. The engine never
	// gets more than one turn ahead of this.
	turnAcked bool

	replay *archive.GameRecord

	clients map[*Client]struct{}

	archiveURL string
	secret     string

	cancel context.CancelFunc
}

func NewEngine(id string, config *playlist.GameConfig, options Options) (*Engine, error) {
	if config == nil {
		return nil, ErrNoConfig
	}

	speed := options.Speed
	if speed == 0 {
		speed = 1
	}

	return &Engine{
		logger:       log.With().Str("session", id).Logger(),
		id:           id,
		config:       *config,
		createdAt:    time.Now(),
		startAt:      options.StartAt,
		status:       AwaitingStart,
		turnInterval: options.TurnInterval,
		speed:        speed,
		turnAcked:    true,
		replay:       options.Replay,
		clients:      make(map[*Client]struct{}),
		archiveURL:   options.ArchiveURL,
		secret:       options.Secret,
	}, nil
}

func (e *Engine) Id() string {
	return e.id
}

func (e *Engine) GetStatus() Status {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.status
}

// Turns is a snapshot of the emitted history.
func (e *Engine) Turns() []protocol.Turn {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	turns := make([]protocol.Turn, len(e.turns))
	copy(turns, e.turns)
	return turns
}

// DirectoryEntry is what the fleet manager's directory sees when it polls
// this session.
func (e *Engine) DirectoryEntry() lobby.Entry {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var ms int64
	if e.status == AwaitingStart {
		ms = time.Until(e.startAt).Milliseconds()
	}

	return lobby.Entry{
		SessionID:    e.id,
		NumClients:   len(e.clients),
		Config:       e.config,
		MsUntilStart: &ms,
	}
}

// Start transitions the session out of the lobby and begins pacing turns.
// A live session nobody joined during the lobby wait ends instead; there is
// no one to pace turns for.
func (e *Engine) Start() {
	e.mutex.Lock()
	if e.status != AwaitingStart {
		e.mutex.Unlock()
		return
	}

	if e.replay == nil && len(e.clients) == 0 {
		e.status = Ended
		e.mutex.Unlock()
		e.logger.Info().Msg("session abandoned before start")
		return
	}

	now := time.Now()
	e.status = Running
	e.startedAt = now
	e.lastTurnAt = now

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mutex.Unlock()

	e.logger.Info().
		Str("map", e.config.Map).
		Str("mode", string(e.config.Mode)).
		Bool("replay", e.replay != nil).
		Msg("session started")

	go e.pace(ctx)
}

func (e *Engine) pace(ctx context.Context) {
	tick := time.NewTicker(paceInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.checkTurn()
		}
	}
}

func (e *Engine) checkTurn() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.status != Running {
		return
	}
	if !e.turnAcked {
		return
	}

	interval := time.Duration(float64(e.turnInterval) / e.speed)
	if time.Since(e.lastTurnAt) < interval {
		return
	}

	e.endTurnLocked()
}

// endTurnLocked closes out the current turn: buffered intents (or the next
// archived turn, in replay mode) become an immutable Turn pushed to every
// client.
func (e *Engine) endTurnLocked() {
	number := len(e.turns)

	var turn protocol.Turn
	if e.replay != nil {
		if number >= len(e.replay.Turns) {
			e.pending = nil
			e.endLocked()
			return
		}

		// Replay intents come only from the archive; anything
		// buffered is discarded.
		turn = protocol.Turn{
			Number:  number,
			Intents: e.replay.Turns[number].Intents,
		}
		e.pending = nil
	} else {
		intents := e.pending
		if intents == nil {
			intents = []protocol.Intent{}
		}
		turn = protocol.Turn{Number: number, Intents: intents}
		e.pending = nil
	}

	e.turns = append(e.turns, turn)
	e.lastTurnAt = time.Now()
	e.turnAcked = false

	e.broadcastLocked(protocol.TurnMessage{Op: protocol.TurnOp, Turn: turn})
}

// HandleIntent buffers a live intent for the next turn. toggle_pause is
// interpreted by the engine itself; everything else is opaque.
func (e *Engine) HandleIntent(intent protocol.Intent) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.status == AwaitingStart || e.status == Ended {
		return
	}

	if intent.Kind == protocol.TogglePauseKind {
		e.togglePauseLocked(intent)
		return
	}

	// Live input is ignored while paused and in replay mode.
	if e.status != Running || e.replay != nil {
		return
	}

	e.pending = append(e.pending, intent)
}

func (e *Engine) togglePauseLocked(intent protocol.Intent) {
	switch e.status {
	case Running:
		// The pause point is turn-aligned: the intent closes out the
		// current turn before the state flips.
		e.pending = append(e.pending, intent)
		e.endTurnLocked()
		if e.status != Ended {
			e.status = Paused
		}
	case Paused:
		e.status = Running
		e.pending = append(e.pending, intent)
		e.endTurnLocked()
	}
}

// AckTurn records that the client finished executing the latest turn.
func (e *Engine) AckTurn(number int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if number == len(e.turns)-1 {
		e.turnAcked = true
	}
}

// ReportHash handles a periodic client state hash. Live sessions retain a
// sparse set of hashes; replay sessions verify against the archive and
// report divergence. Detection only, never correction.
func (e *Engine) ReportHash(client *Client, number int, hash string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.replay == nil {
		if number%hashRetentionPeriod != 0 {
			return
		}
		if number < 0 || number >= len(e.turns) {
			return
		}
		if e.turns[number].Hash == "" {
			e.turns[number].Hash = hash
		}
		return
	}

	if number < 0 || number >= len(e.replay.Turns) ||
		e.replay.Turns[number].Hash == "" {
		e.logger.Warn().
			Int("turn", number).
			Msg("no archived hash for turn")
		return
	}

	expected := e.replay.Turns[number].Hash
	if expected == hash {
		return
	}

	e.logger.Warn().
		Int("turn", number).
		Str("expected", expected).
		Str("reported", hash).
		Msg("client desynced")

	e.sendLocked(client, protocol.DesyncMessage{
		Op:                     protocol.DesyncOp,
		Turn:                   number,
		CorrectHash:            expected,
		YourHash:               hash,
		ClientsWithCorrectHash: 0,
		TotalActiveClients:     len(e.clients),
	})
}

// SetOutcome records the reported final outcome for archival.
func (e *Engine) SetOutcome(winner protocol.Winner, players []protocol.PlayerStats) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.status == Ended {
		return
	}

	e.winner = &winner
	e.players = players
}

// Attach registers a client and sends it the start message, including the
// full history accumulated so far. Rejoin goes through the same path; the
// history is replayed to that client only.
func (e *Engine) Attach(client *Client) {
	e.mutex.Lock()
	e.clients[client] = struct{}{}
	e.mutex.Unlock()

	e.SendStart(client)
}

func (e *Engine) SendStart(client *Client) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	turns := make([]protocol.Turn, len(e.turns))
	copy(turns, e.turns)

	e.sendLocked(client, protocol.StartMessage{
		Op:             protocol.StartOp,
		Config:         e.config,
		Turns:          turns,
		LobbyCreatedAt: e.createdAt.UnixMilli(),
	})
}

// Detach removes a client. A started session with nobody left ends.
func (e *Engine) Detach(client *Client) {
	e.mutex.Lock()
	delete(e.clients, client)
	empty := len(e.clients) == 0
	started := e.status == Running || e.status == Paused
	e.mutex.Unlock()

	if empty && started {
		e.End()
	}
}

// HandleMessage dispatches one decoded client message.
func (e *Engine) HandleMessage(client *Client, data []byte) {
	var generic protocol.GenericMessage
	if err := cbor.Unmarshal(data, &generic); err != nil {
		e.logger.Debug().Err(err).Msg("undecodable client message")
		return
	}

	switch generic.Op {
	case protocol.IntentOp:
		var msg protocol.IntentMessage
		if err := cbor.Unmarshal(data, &msg); err == nil {
			e.HandleIntent(msg.Intent)
		}
	case protocol.TurnCompleteOp:
		var msg protocol.TurnCompleteMessage
		if err := cbor.Unmarshal(data, &msg); err == nil {
			e.AckTurn(msg.Turn)
		}
	case protocol.HashOp:
		var msg protocol.HashMessage
		if err := cbor.Unmarshal(data, &msg); err == nil {
			e.ReportHash(client, msg.Turn, msg.Hash)
		}
	case protocol.WinnerOp:
		var msg protocol.WinnerMessage
		if err := cbor.Unmarshal(data, &msg); err == nil {
			e.SetOutcome(msg.Winner, msg.AllPlayersStats)
		}
	case protocol.RejoinOp:
		e.SendStart(client)
	}
}

func (e *Engine) sendLocked(client *Client, message interface{}) {
	bytes, err := cbor.Marshal(message)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode message")
		return
	}

	select {
	case client.send <- bytes:
	default:
		go client.closeSlow()
	}
}

func (e *Engine) broadcastLocked(message interface{}) {
	bytes, err := cbor.Marshal(message)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to encode message")
		return
	}

	for client := range e.clients {
		select {
		case client.send <- bytes:
		default:
			go client.closeSlow()
		}
	}
}

// End terminates the session. Live sessions hand their record off to
// best-effort background archival; replays just stop.
func (e *Engine) End() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.endLocked()
}

func (e *Engine) endLocked() {
	if e.status == Ended {
		return
	}
	e.status = Ended

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if e.replay != nil {
		e.logger.Info().Int("turns", len(e.turns)).Msg("replay ended")
		return
	}

	record := e.recordLocked()
	e.logger.Info().Int("turns", len(record.Turns)).Msg("session ended")

	// Detached on purpose: archival survives session teardown and is
	// never awaited.
	go submitRecord(e.logger, e.archiveURL, e.secret, record)
}

func (e *Engine) recordLocked() archive.GameRecord {
	turns := make([]protocol.Turn, len(e.turns))
	copy(turns, e.turns)

	players := e.players
	if players == nil {
		players = []protocol.PlayerStats{}
	}

	return archive.GameRecord{
		ID:        e.id,
		Config:    e.config,
		Players:   players,
		Turns:     turns,
		StartedAt: e.startedAt.UnixMilli(),
		EndedAt:   time.Now().UnixMilli(),
		Winner:    e.winner,
	}
}
