package db

import (
	"log"

	"gorm.io/gorm"

	"lumesync/pkg/model"
)

// Archiver persists session events and rollout outcomes. All writes are
// best effort: a down database never blocks the control plane.
type Archiver struct {
	db     *gorm.DB
	events chan model.SessionEvent
}

func NewArchiver(db *gorm.DB) *Archiver {
	a := &Archiver{db: db, events: make(chan model.SessionEvent, 256)}
	go a.writeLoop()
	return a
}

// OnSessionEvent is wired as a registry event callback. The registry
// emits under its lock, so the event is queued for the writer and
// dropped when the queue is full.
func (a *Archiver) OnSessionEvent(ev model.SessionEvent) {
	if a == nil || a.db == nil {
		return
	}
	select {
	case a.events <- ev:
	default:
		// writer behind; drop rather than stall the registry
	}
}

func (a *Archiver) writeLoop() {
	for ev := range a.events {
		rec := EventRecord{NodeID: ev.NodeID, Kind: ev.Kind, Detail: ev.Detail}
		if err := a.db.Create(&rec).Error; err != nil {
			log.Printf("event archive write failed node=%s: %v", ev.NodeID, err)
		}
	}
}

// ArchiveRollout stores the final status of every target in a job.
// Called from the dispatcher's own goroutine after the job finishes.
func (a *Archiver) ArchiveRollout(job model.OTAJob) {
	if a == nil || a.db == nil {
		return
	}
	for _, t := range job.Targets {
		rec := RolloutRecord{
			JobID:   job.ID,
			NodeID:  t.NodeID,
			Version: job.Manifest.Version,
			Status:  t.Status,
			Error:   t.Error,
		}
		if err := a.db.Create(&rec).Error; err != nil {
			log.Printf("rollout archive write failed node=%s: %v", t.NodeID, err)
		}
	}
}
