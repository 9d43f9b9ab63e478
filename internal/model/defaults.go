package model

import "time"

// Shared defaults used by the agent binary and its packages.
const (
	DefaultInterval       = 10 * time.Second
	DefaultFlushAfter     = 600 * time.Second
	DefaultMaxTransaction = 10_000
	DefaultStateFile      = "./state.json"
	DefaultShipTimeout    = 10 * time.Second
)
