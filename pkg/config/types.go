package config

type ManagerSettings struct {
	// The port the fleet manager listens on for discovery and session
	// traffic.
	Port int
}

type FleetSettings struct {
	// The number of worker processes the manager supervises.
	Workers int

	// Workers listen on BasePort + id.
	BasePort int

	// How long a public session stays joinable before it starts.
	LobbyWaitSeconds int

	// The wall-clock length of one simulation turn.
	TurnIntervalMs int

	// Public sessions are pruned from the directory at this size.
	MaxPlayers int

	// Where workers keep their archived game databases. One sqlite
	// file per worker.
	ArchiveDirectory string
}

type Config struct {
	Manager ManagerSettings
	Fleet   FleetSettings
}
