// Package replication carries market notices between ledger domains. The
// outbox publishes notices emitted by the local controller; the inbound side
// parses notices from other domains and applies them through the Runner.
package replication

import (
	"encoding/json"
	"fmt"

	"PariLedger/internal/core"

	"github.com/google/uuid"
)

// Envelope is the wire format of a notice. The notice fields are inlined.
type Envelope struct {
	ID        string `json:"id"`
	Origin    string `json:"origin"`
	EmittedAt int64  `json:"emitted_at"` // ms since epoch
	core.Notice
}

// Subject returns the NATS subject or Redis channel suffix for a notice kind:
// {prefix}.{kind}
func Subject(prefix string, kind core.NoticeKind) string {
	return prefix + "." + string(kind)
}

func Marshal(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	return data, nil
}

// Parse decodes and validates an envelope. Structural problems with the
// carried market are left to the controller.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("parse envelope: %w", err)
	}
	if _, err := uuid.Parse(env.ID); err != nil {
		return env, fmt.Errorf("parse id %q: %w", env.ID, err)
	}
	if env.Origin == "" {
		return env, fmt.Errorf("envelope %s: missing origin", env.ID)
	}
	if !env.Kind.Valid() {
		return env, fmt.Errorf("envelope %s: unknown kind %q", env.ID, env.Kind)
	}
	if env.MarketID == 0 {
		return env, fmt.Errorf("envelope %s: missing market_id", env.ID)
	}
	if env.Kind == core.NoticeMarketSynced {
		if env.Market == nil {
			return env, fmt.Errorf("envelope %s: market_synced without market", env.ID)
		}
		if env.Market.ID != env.MarketID {
			return env, fmt.Errorf("envelope %s: market id %d does not match snapshot id %d",
				env.ID, env.MarketID, env.Market.ID)
		}
	}
	return env, nil
}
