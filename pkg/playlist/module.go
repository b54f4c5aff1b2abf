package playlist

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

type Mode string

const (
	ModeFFA  Mode = "ffa"
	ModeTeam Mode = "team"
)

type Difficulty string

const (
	DifficultyNormal Difficulty = "normal"
	DifficultyHard   Difficulty = "hard"
)

// How often each map shows up in a generation cycle.
var mapFrequency = map[string]int{
	"world":       3,
	"continental": 3,
	"pangaea":     2,
	"archipelago": 2,
	"blacksea":    2,
	"gateway":     2,
	"oceania":     1,
	"tundra":      1,
	"basin":       1,
	"meridian":    1,
	"halfmoon":    1,
	"rift":        1,
}

// A map must not show up twice within this many queued entries.
const repeatWindow = 5

const maxGenerationAttempts = 10000

// Fixed settings for auto-created public sessions.
const (
	publicGameBots      = 40
	spawnImmunityMs     = 5000
	humansVsNationsName = "humans-vs-nations"
)

type formation struct {
	name  string
	teams int
}

// Named team formations; teams == 0 means every human shares one side
// against the AI nations.
var formations = []formation{
	{"duos", 2},
	{"trios", 3},
	{"quads", 4},
	{"quints", 5},
	{"sextets", 6},
	{"septets", 7},
	{humansVsNationsName, 0},
}

type Entry struct {
	Map  string `json:"map"`
	Mode Mode   `json:"mode"`
}

// The full configuration a worker needs to create a public session.
type GameConfig struct {
	Map             string     `json:"map"`
	Mode            Mode       `json:"mode"`
	Difficulty      Difficulty `json:"difficulty"`
	Formation       string     `json:"formation,omitempty"`
	Teams           int        `json:"teams,omitempty"`
	DisableNations  bool       `json:"disableNations,omitempty"`
	Bots            int        `json:"bots"`
	SpawnImmunityMs int        `json:"spawnImmunityMs"`
	MaxPlayers      int        `json:"maxPlayers,omitempty"`
}

// Sequencer produces an endless sequence of map/mode pairs for public
// sessions. It regenerates its queue whenever it runs dry.
type Sequencer struct {
	mutex deadlock.Mutex
	queue []Entry
	// The last few emitted maps, so the no-repeat window holds across
	// queue regenerations.
	recent []string
	rng    *rand.Rand
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Sequencer) Next() Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) == 0 {
		s.queue = s.generate()
	}

	entry := s.queue[0]
	s.queue = s.queue[1:]

	s.recent = append(s.recent, entry.Map)
	if len(s.recent) > repeatWindow {
		s.recent = s.recent[len(s.recent)-repeatWindow:]
	}

	return entry
}

// GameConfig derives a session configuration from the next entry in the
// sequence.
func (s *Sequencer) GameConfig() GameConfig {
	entry := s.Next()

	config := GameConfig{
		Map:             entry.Map,
		Mode:            entry.Mode,
		Difficulty:      DifficultyNormal,
		Bots:            publicGameBots,
		SpawnImmunityMs: spawnImmunityMs,
	}

	if entry.Mode != ModeTeam {
		return config
	}

	s.mutex.Lock()
	picked := formations[s.rng.Intn(len(formations))]
	s.mutex.Unlock()

	config.Formation = picked.name
	config.Teams = picked.teams

	if picked.name == humansVsNationsName {
		config.Difficulty = DifficultyHard
	} else {
		config.DisableNations = true
	}

	return config
}

// One shuffled copy of the weighted map multiset.
func (s *Sequencer) shuffledTrack() []string {
	track := make([]string, 0)
	for name, frequency := range mapFrequency {
		for i := 0; i < frequency; i++ {
			track = append(track, name)
		}
	}

	s.rng.Shuffle(len(track), func(i, j int) {
		track[i], track[j] = track[j], track[i]
	})

	return track
}

// repeatsRecently reports whether a map falls inside the no-repeat window
// ending at the queue's tail. The window spans regenerations: when the queue
// under construction is still short, the last emitted entries count too.
func (s *Sequencer) repeatsRecently(queue []Entry, name string) bool {
	history := make([]string, 0, len(s.recent)+len(queue))
	history = append(history, s.recent...)
	for _, entry := range queue {
		history = append(history, entry.Map)
	}

	start := len(history) - repeatWindow
	if start < 0 {
		start = 0
	}
	for _, emitted := range history[start:] {
		if emitted == name {
			return true
		}
	}
	return false
}

// One generation attempt: three independently shuffled tracks interleaved
// one pick per round, skipping candidates seen in the last few entries.
// Returns false when a track has no usable candidate left.
func (s *Sequencer) tryGenerate() ([]Entry, bool) {
	tracks := [][]string{
		s.shuffledTrack(),
		s.shuffledTrack(),
		s.shuffledTrack(),
	}
	modes := []Mode{ModeFFA, ModeTeam, ModeFFA}

	queue := make([]Entry, 0, len(tracks[0])*len(tracks))

	for len(tracks[0])+len(tracks[1])+len(tracks[2]) > 0 {
		for i, track := range tracks {
			if len(track) == 0 {
				continue
			}

			picked := -1
			for j, candidate := range track {
				if !s.repeatsRecently(queue, candidate) {
					picked = j
					break
				}
			}

			if picked == -1 {
				return queue, false
			}

			queue = append(queue, Entry{Map: track[picked], Mode: modes[i]})
			tracks[i] = append(track[:picked], track[picked+1:]...)
		}
	}

	return queue, true
}

// generate retries until an attempt satisfies the no-repeat window. If
// every attempt gets stuck, the last partial queue is used so scheduling
// never blocks.
func (s *Sequencer) generate() []Entry {
	var partial []Entry

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		queue, ok := s.tryGenerate()
		if ok {
			return queue
		}
		partial = queue
	}

	log.Error().
		Int("attempts", maxGenerationAttempts).
		Int("entries", len(partial)).
		Msg("playlist generation exhausted attempts, using partial queue")

	return partial
}
