package api

import (
	"encoding/json"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status        string  `json:"status"`
	ChannelCount  int     `json:"channel_count"`
	ViewerCount   int     `json:"viewer_count"`
	HostCount     int     `json:"host_count"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version"`
}

// ChannelSummary is one entry in GET /api/v1/channels.
type ChannelSummary struct {
	Channel      string `json:"channel"`
	Sequence     uint64 `json:"sequence"`
	PayloadBytes int    `json:"payload_bytes"`
	UpdatedAt    string `json:"updated_at"` // RFC3339
}

// ChannelResponse is the payload for GET /api/v1/channels/{key}.
type ChannelResponse struct {
	Channel   string          `json:"channel"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt string          `json:"updated_at"` // RFC3339
}

// SnapshotResponse is the payload for GET /api/v1/snapshot.
type SnapshotResponse struct {
	Channels    []wire.ChannelState `json:"channels"`
	GeneratedAt string              `json:"generated_at"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
