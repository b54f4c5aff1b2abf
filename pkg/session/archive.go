package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hexline/armada/pkg/archive"
	"github.com/hexline/armada/pkg/fleet"

	"github.com/rs/zerolog"
)

const submitTimeout = 30 * time.Second

// submitRecord validates, compresses, and submits a finished game record.
// It runs on its own context so it survives the teardown of whatever
// started it. All failures are logged and swallowed; archival is
// best-effort by design.
func submitRecord(
	logger zerolog.Logger,
	url string,
	secret string,
	record archive.GameRecord,
) {
	if url == "" {
		return
	}

	if err := archive.Validate(record); err != nil {
		logger.Warn().Err(err).Msg("game record failed validation")
		return
	}

	data, err := json.Marshal(record)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to serialize game record")
		return
	}

	compressed, err := archive.Compress(data)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to compress game record")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewReader(compressed),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to build archive request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set(fleet.SecretHeader, secret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("archive submission failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn().
			Str("status", resp.Status).
			Msg("archive submission rejected")
		return
	}

	logger.Info().
		Int("bytes", len(compressed)).
		Msg("game record archived")
}
