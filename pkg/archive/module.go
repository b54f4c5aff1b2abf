package archive

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"io"
	"time"

	"github.com/hexline/armada/pkg/playlist"
	"github.com/hexline/armada/pkg/protocol"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	J "cuelang.org/go/encoding/json"
	"github.com/klauspost/compress/gzip"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

//go:embed record.cue
var schemaFile string

// An immutable snapshot of a completed live session. Written exactly once
// at session end.
type GameRecord struct {
	ID        string                 `json:"id"`
	Config    playlist.GameConfig    `json:"config"`
	Players   []protocol.PlayerStats `json:"players"`
	Turns     []protocol.Turn        `json:"turns"`
	StartedAt int64                  `json:"startedAt"`
	EndedAt   int64                  `json:"endedAt"`
	Winner    *protocol.Winner       `json:"winner,omitempty"`
}

// Validate checks a record against the archive schema before it goes
// anywhere.
func Validate(record GameRecord) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaFile)
	if err := schema.Err(); err != nil {
		return err
	}
	schema = schema.LookupPath(cue.ParsePath("#GameRecord"))

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	expr, err := J.Extract("record", data)
	if err != nil {
		return err
	}

	value := ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return err
	}

	unified := schema.Unify(value)
	if err := unified.Err(); err != nil {
		return err
	}

	return unified.Validate(cue.Concrete(true))
}

// Compress gzips a serialized record for submission and storage.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type ArchivedGame struct {
	ID        string `gorm:"primaryKey;size:64"`
	Data      []byte `gorm:"not null"`
	CreatedAt time.Time
}

// Store keeps the compressed records a worker has received.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&ArchivedGame{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Save(id string, compressed []byte) error {
	return s.db.Create(&ArchivedGame{ID: id, Data: compressed}).Error
}

// Load decompresses and decodes a stored record, e.g. to source a replay.
func (s *Store) Load(id string) (*GameRecord, error) {
	var row ArchivedGame
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}

	reader, err := gzip.NewReader(bytes.NewReader(row.Data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var record GameRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}

	return &record, nil
}
