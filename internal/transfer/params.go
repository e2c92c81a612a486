package transfer

import "time"

// Defaults and clamps for transfer tuning knobs.
const (
	DefaultWorkers    = 8
	MinWorkers        = 1
	MaxWorkers        = 32
	DefaultRetryLimit = 3
	MaxRetryLimit     = 10

	// DefaultByteBudget bounds the raw bytes held in memory by in-flight
	// chunks across all workers.
	DefaultByteBudget = 256 * 1024 * 1024

	// DefaultAckTimeout is how long a worker waits for the receiver's
	// commit before treating the chunk attempt as failed.
	DefaultAckTimeout = 2 * time.Minute
)

// Params tunes a transfer session. The zero value is usable; every field
// is clamped to a sane range by normalize.
type Params struct {
	Workers     int
	RetryLimit  int
	ByteBudget  int64
	AckTimeout  time.Duration
	ChunkSize   int64 // average chunk size; 0 means the chunker default
	WindowBytes int64 // per-channel in-flight byte window; 0 means the mux default
}

func (p Params) normalize() Params {
	if p.Workers == 0 {
		p.Workers = DefaultWorkers
	}
	if p.Workers < MinWorkers {
		p.Workers = MinWorkers
	}
	if p.Workers > MaxWorkers {
		p.Workers = MaxWorkers
	}
	if p.RetryLimit <= 0 {
		p.RetryLimit = DefaultRetryLimit
	}
	if p.RetryLimit > MaxRetryLimit {
		p.RetryLimit = MaxRetryLimit
	}
	if p.ByteBudget <= 0 {
		p.ByteBudget = DefaultByteBudget
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	return p
}
