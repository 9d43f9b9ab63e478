package model

import "time"

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration_ns"`
	LinesRead    map[string]int    `json:"lines_read"`
	Emitted      int               `json:"emitted"`
	Flushed      int               `json:"flushed"`
	Evicted      uint64            `json:"evicted"`
	Shipped      bool              `json:"shipped"`
	ShipError    string            `json:"ship_error,omitempty"`
	SaveError    string            `json:"save_error,omitempty"`
	SourceErrors map[string]string `json:"source_errors,omitempty"`
}

// AgentStatus is a point-in-time view of the driver.
type AgentStatus struct {
	OpenTransactions int              `json:"open_transactions"`
	Evicted          uint64           `json:"evicted"`
	Offsets          map[string]int64 `json:"offsets"`
	Cycles           uint64           `json:"cycles"`
	LastCycle        *CycleReport     `json:"last_cycle"`
}
