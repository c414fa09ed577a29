package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoPatient is returned when an arrival has no patient id.
var ErrNoPatient = errors.New("session: patient id is required")

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry maps patient ids to live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]*Session), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// normalizeID is the registry key for a patient id.
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}

// lockSession returns the live session for id with its mutex held, creating
// one when create is set. A session removed between lookup and lock is
// retried so callers never mutate a detached session.
func (r *Registry) lockSession(id string, create bool) (*Session, bool) {
	id = normalizeID(id)
	if id == "" {
		return nil, false
	}
	for {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil, false
			}
			now := r.now()
			s = &Session{PatientID: id, CreatedAt: now, LastUpdate: now}
			r.sessions[id] = s
		}
		r.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s, true
		}
		s.mu.Unlock()
	}
}

// detach removes s from the map. Caller holds s.mu.
func (r *Registry) detach(s *Session) {
	s.removed = true
	r.mu.Lock()
	if r.sessions[s.PatientID] == s {
		delete(r.sessions, s.PatientID)
	}
	r.mu.Unlock()
}

// Upsert runs appendFn for the arrival while holding the patient's lock,
// creating the session on first use. On success the image count grows by one
// and LastUpdate is refreshed. A new session whose first append fails is
// discarded.
func (r *Registry) Upsert(arrival Arrival, appendFn func(*Session) error) (Snapshot, error) {
	s, ok := r.lockSession(arrival.PatientID, true)
	if !ok {
		return Snapshot{}, ErrNoPatient
	}
	defer s.mu.Unlock()

	if s.ImageCount == 0 {
		if name := strings.TrimSpace(arrival.PatientName); name != "" {
			s.PatientName = name
		}
		s.Study = arrival.Study
	}
	if s.PatientName == "" {
		s.PatientName = strings.TrimSpace(arrival.PatientName)
	}

	if appendFn != nil {
		if err := appendFn(s); err != nil {
			if s.ImageCount == 0 && !s.inflight {
				r.detach(s)
			}
			return s.snapshot(), err
		}
	}
	s.ImageCount++
	s.LastUpdate = r.now()
	return s.snapshot(), nil
}

// Get returns a snapshot of the patient's session.
func (r *Registry) Get(patientID string) (Snapshot, bool) {
	s, ok := r.lockSession(patientID, false)
	if !ok {
		return Snapshot{}, false
	}
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Remove drops the patient's session. It reports whether one existed.
func (r *Registry) Remove(patientID string) bool {
	s, ok := r.lockSession(patientID, false)
	if !ok {
		return false
	}
	defer s.mu.Unlock()
	r.detach(s)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) all() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// List returns snapshots of every session ordered by patient id.
func (r *Registry) List() []Snapshot {
	var out []Snapshot
	for _, s := range r.all() {
		s.mu.Lock()
		if !s.removed {
			out = append(out, s.snapshot())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out
}

// SnapshotIdle returns ids of sessions idle for at least threshold, oldest
// first. Sessions that are locked by an append, leased for dispatch, failed,
// or empty are skipped.
func (r *Registry) SnapshotIdle(threshold time.Duration, now time.Time) []string {
	type candidate struct {
		id   string
		last time.Time
	}
	var idle []candidate
	for _, s := range r.all() {
		if !s.mu.TryLock() {
			continue
		}
		if !s.removed && !s.inflight && !s.Failed && s.ImageCount > 0 && now.Sub(s.LastUpdate) >= threshold {
			idle = append(idle, candidate{id: s.PatientID, last: s.LastUpdate})
		}
		s.mu.Unlock()
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].last.Equal(idle[j].last) {
			return idle[i].id < idle[j].id
		}
		return idle[i].last.Before(idle[j].last)
	})
	ids := make([]string, len(idle))
	for i, c := range idle {
		ids[i] = c.id
	}
	return ids
}

// Retry clears a session's failed flag and attempts so the next idle scan
// picks it up again. It reports whether the session exists.
func (r *Registry) Retry(patientID string) bool {
	s, ok := r.lockSession(patientID, false)
	if !ok {
		return false
	}
	defer s.mu.Unlock()
	s.Failed = false
	s.Attempts = 0
	return true
}
