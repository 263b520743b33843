package modem

import "sync/atomic"

type counters struct {
	commandsIssued  atomic.Uint64
	commandErrors   atomic.Uint64
	commandTimeouts atomic.Uint64
	urcsDropped     atomic.Uint64
}

// Stats is a snapshot of the channel counters.
type Stats struct {
	CommandsIssued  uint64 `json:"commands_issued"`
	CommandErrors   uint64 `json:"command_errors"`
	CommandTimeouts uint64 `json:"command_timeouts"`
	URCsDropped     uint64 `json:"urcs_dropped"`
}

// Stats returns the current counters. Timeouts are also counted as errors.
func (c *Conn) Stats() Stats {
	return Stats{
		CommandsIssued:  c.stats.commandsIssued.Load(),
		CommandErrors:   c.stats.commandErrors.Load(),
		CommandTimeouts: c.stats.commandTimeouts.Load(),
		URCsDropped:     c.stats.urcsDropped.Load(),
	}
}
