package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

func (c *Client) handlePing() {
	c.sendControl(typePong)
}

func (c *Client) sendControl(kind string) {
	b, err := json.Marshal(envelope{Type: kind})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendControl marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", kind).Msg("control frame dropped")
	}
}
