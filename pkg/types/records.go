package types

import "time"

// Identity names a connected client. Clients get a UUID on first connect.
type Identity string

// SystemIdentity is the principal the deferred reaper runs as. It is never
// handed out to a client.
const SystemIdentity Identity = "system"

func (i Identity) String() string { return string(i) }

// LogRecord is one ingested probe. Records are append-only.
type LogRecord struct {
	ID        uint64  `json:"id"`
	Sent      float64 `json:"sent"`
	Received  float64 `json:"received"`
	Latency   float64 `json:"latency"`
	Jitter    float64 `json:"jitter"`
	UnderLoad bool    `json:"under_load"`
}

// Payload is a synthetic media frame submitted during the load phase.
type Payload struct {
	ID   uint64  `json:"id"`
	Data []int32 `json:"data"`
}

// PendingDeletion schedules the removal of a payload. PayloadID is a weak
// reference: the payload may already be gone when the deletion fires.
type PendingDeletion struct {
	ID          uint64    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	PayloadID   uint64    `json:"payload_id"`
}

// ConnectionClock is the server time recorded at a client's latest connect.
type ConnectionClock struct {
	Identity Identity `json:"identity"`
	Clock    float64  `json:"clock"`
}

// UnixSeconds converts t to fractional seconds since the Unix epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

