package sessions

import "time"

// EvictionPolicy selects how inactive sessions leave the registry.
type EvictionPolicy string

const (
	// EvictionMaxAge clears sessions older than MaxSessionAge on a tick cadence.
	EvictionMaxAge EvictionPolicy = "max-age"
	// EvictionIdleFlag sweeps idle sessions on the first event after an
	// external RequestEviction call.
	EvictionIdleFlag EvictionPolicy = "idle-flag"
)

const (
	DefaultSaveInterval  = 3600
	DefaultClearInterval = 18000
	DefaultMaxSessionAge = time.Hour
	DefaultIdleThreshold = 10 * time.Minute
)

// Config controls registry housekeeping.
type Config struct {
	Policy EvictionPolicy
	// SaveInterval is the number of events between bulk saves.
	SaveInterval int
	// ClearInterval is the number of events between max-age clears. Zero
	// takes the default, a negative value disables the independent counter.
	ClearInterval int
	MaxSessionAge time.Duration
	IdleThreshold time.Duration
	// Replay disables persistence.
	Replay bool
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = EvictionMaxAge
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.ClearInterval == 0 {
		c.ClearInterval = DefaultClearInterval
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = DefaultMaxSessionAge
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	return c
}
