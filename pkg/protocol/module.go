package protocol

import "github.com/hexline/armada/pkg/playlist"

const (
	// Engine -> client
	StartOp int = iota
	TurnOp
	DesyncOp
	// Client -> engine
	IntentOp
	TurnCompleteOp
	HashOp
	WinnerOp
	RejoinOp
)

// The one intent kind the engine interprets itself. Every other kind is
// opaque payload for the simulation.
const TogglePauseKind = "toggle_pause"

// A single player action submitted for inclusion in the next turn.
type Intent struct {
	Kind     string `json:"kind"`
	ClientID string `json:"clientID,omitempty"`
	// Opaque to this layer; the simulation decides what it means.
	Payload []byte `json:"payload,omitempty"`
}

// An immutable, numbered batch of intents. Turns are appended to a
// session's history exactly once and never re-emitted.
type Turn struct {
	Number  int      `json:"number"`
	Intents []Intent `json:"intents"`
	// Only retained every hundredth turn for live sessions.
	Hash string `json:"hash,omitempty"`
}

type Winner struct {
	ClientID string `json:"clientID"`
	Name     string `json:"name,omitempty"`
}

type PlayerStats struct {
	ClientID string           `json:"clientID"`
	Name     string           `json:"name,omitempty"`
	Stats    map[string]int64 `json:"stats,omitempty"`
}

// Sent to a client on join and rejoin. Rejoining clients get the full turn
// history accumulated so far; nobody else sees it again.
type StartMessage struct {
	Op             int // StartOp
	Config         playlist.GameConfig
	Turns          []Turn
	LobbyCreatedAt int64
}

// One per turn boundary, engine -> all clients.
type TurnMessage struct {
	Op   int // TurnOp
	Turn Turn
}

// Reported when a client's hash disagrees with the archived hash for the
// same turn. Purely observational; the session keeps running.
type DesyncMessage struct {
	Op                     int // DesyncOp
	Turn                   int
	CorrectHash            string
	YourHash               string
	ClientsWithCorrectHash int
	TotalActiveClients     int
}

type IntentMessage struct {
	Op     int // IntentOp
	Intent Intent
}

// The client finished executing the delivered turn. The engine never runs
// more than one turn ahead of this acknowledgment.
type TurnCompleteMessage struct {
	Op   int // TurnCompleteOp
	Turn int
}

// Periodic client -> engine state hash report.
type HashMessage struct {
	Op   int // HashOp
	Turn int
	Hash string
}

// Reports the final outcome for archival.
type WinnerMessage struct {
	Op              int // WinnerOp
	Winner          Winner
	AllPlayersStats []PlayerStats
}

type RejoinMessage struct {
	Op int // RejoinOp
}

type GenericMessage struct {
	Op int
}
