package model

// FanoutStats are the hub stream-loop counters exposed to the ops API.
type FanoutStats struct {
	Ticks      uint64 `json:"ticks"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"sendErrors"`
	Overruns   uint64 `json:"overruns"`
}

// SchedulerStats are the node scheduler counters.
type SchedulerStats struct {
	Accepted  uint64 `json:"accepted"`
	Tracked   uint64 `json:"tracked"` // sequence-only packets (heartbeats)
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`   // capacity rejects
	Late      uint64 `json:"late"`      // duplicate/stale sequence
	Lost      uint64 `json:"lost"`      // gap-counted packets
	Skipped   uint64 `json:"skipped"`   // enqueue lock contention
	Delivered uint64 `json:"delivered"` // handed to renderer
}
