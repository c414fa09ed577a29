package session

import (
	"sync"
	"time"

	"radiolink/internal/study"
)

// Arrival identifies the patient a received file belongs to.
type Arrival struct {
	PatientID   string
	PatientName string
	Study       study.Metadata
}

// Session is the live accumulation state for one patient. Fields are guarded
// by the session mutex and only touched inside Registry callbacks.
type Session struct {
	mu sync.Mutex

	PatientID   string
	PatientName string
	Study       study.Metadata
	ImageCount  int
	LastUpdate  time.Time
	CreatedAt   time.Time
	ArchivePath string
	Attempts    int
	Failed      bool

	inflight bool
	removed  bool
}

// Snapshot is a point-in-time copy of a session safe to hand to other goroutines.
type Snapshot struct {
	PatientID   string         `json:"patient_id"`
	PatientName string         `json:"patient_name"`
	Study       study.Metadata `json:"study"`
	ImageCount  int            `json:"image_count"`
	LastUpdate  time.Time      `json:"last_update"`
	CreatedAt   time.Time      `json:"created_at"`
	ArchivePath string         `json:"archive_path"`
	Attempts    int            `json:"attempts"`
	Failed      bool           `json:"failed"`
	InFlight    bool           `json:"in_flight"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		PatientID:   s.PatientID,
		PatientName: s.PatientName,
		Study:       s.Study,
		ImageCount:  s.ImageCount,
		LastUpdate:  s.LastUpdate,
		CreatedAt:   s.CreatedAt,
		ArchivePath: s.ArchivePath,
		Attempts:    s.Attempts,
		Failed:      s.Failed,
		InFlight:    s.inflight,
	}
}

// Idle reports how long the session has gone without a new file.
func (s Snapshot) Idle(now time.Time) time.Duration {
	return now.Sub(s.LastUpdate)
}
