package model

import "time"

// OTA per-node rollout statuses.
const (
	OTAPending     = "pending"
	OTASent        = "sent"
	OTADownloading = "downloading"
	OTAVerifying   = "verifying"
	OTARebooting   = "rebooting"
	OTADone        = "done"
	OTAFailed      = "failed"
)

// Manifest describes one firmware image available for rollout.
type Manifest struct {
	Version string `json:"version" yaml:"version"`
	URL     string `json:"url" yaml:"url"`
	SHA256  string `json:"sha256" yaml:"sha256"`
	Size    int64  `json:"size" yaml:"size"`
}

// OTATarget tracks one node's progress within a job.
type OTATarget struct {
	NodeID string `json:"nodeId"`
	Status string `json:"status"`
	Pct    int    `json:"pct"`
	Error  string `json:"error,omitempty"`
}

// OTAJob is one rolling firmware update. Targets are processed strictly
// in order with exactly one node in flight; the first unrecoverable
// failure halts the job unless Force is set.
type OTAJob struct {
	ID        string      `json:"id"`
	Manifest  Manifest    `json:"manifest"`
	Targets   []OTATarget `json:"targets"`
	Index     int         `json:"index"`
	Halted    bool        `json:"halted"`
	HaltCause string      `json:"haltCause,omitempty"`
	Force     bool        `json:"force"` // skip failed nodes instead of halting
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Done reports whether the job has no further work: every target is in a
// terminal status, or the job halted.
func (j *OTAJob) Done() bool {
	if j.Halted {
		return true
	}
	return j.Index >= len(j.Targets)
}
