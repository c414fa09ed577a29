package session

import "errors"

// ErrLeaseEnded is returned when a lease is used after Complete or Release.
var ErrLeaseEnded = errors.New("session: lease already ended")

// Lease grants exclusive dispatch rights for one patient. Exactly one of
// Complete or Release must be called.
type Lease struct {
	reg      *Registry
	session  *Session
	snapshot Snapshot

	ended bool
}

// Acquire leases the patient's session for dispatch. It returns false when the
// session is absent, empty, failed, or already leased.
func (r *Registry) Acquire(patientID string) (*Lease, bool) {
	s, ok := r.lockSession(patientID, false)
	if !ok {
		return nil, false
	}
	defer s.mu.Unlock()
	if s.inflight || s.Failed || s.ImageCount == 0 {
		return nil, false
	}
	s.inflight = true
	return &Lease{reg: r, session: s, snapshot: s.snapshot()}, true
}

// Snapshot returns the session state captured by the last Hold, or when the
// lease was granted if Hold has not run.
func (l *Lease) Snapshot() Snapshot {
	return l.snapshot
}

// Hold runs fn with the session locked. Appends for the patient wait until fn
// returns, so fn sees a stable archive. The snapshot fn receives becomes the
// lease's baseline: Complete treats only later appends as new arrivals.
func (l *Lease) Hold(fn func(Snapshot) error) error {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	if l.ended {
		return ErrLeaseEnded
	}
	l.snapshot = l.session.snapshot()
	return fn(l.snapshot)
}

// Complete ends a successful dispatch. finish runs under the session lock and
// receives the number of files that arrived since the lease's snapshot; it
// must discard what was uploaded and persist the outcome before the session
// can be removed. When nothing arrived the session is
// removed. Otherwise it stays, counting only the newer files. If finish
// fails the session is kept unchanged and released.
func (l *Lease) Complete(finish func(arrived int) error) (removed bool, err error) {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	if l.ended {
		return false, ErrLeaseEnded
	}
	l.ended = true
	s := l.session
	s.inflight = false

	arrived := max(s.ImageCount-l.snapshot.ImageCount, 0)
	if finish != nil {
		if err := finish(arrived); err != nil {
			return false, err
		}
	}
	if arrived == 0 {
		l.reg.detach(s)
		return true, nil
	}
	s.ImageCount = arrived
	s.Attempts = 0
	return false, nil
}

// ReleaseResult reports the session state after a failed or abandoned dispatch.
type ReleaseResult struct {
	Attempts int
	Parked   bool
}

// Release ends the lease without removing the session. When failed is set the
// attempt counter grows, and once it reaches maxAttempts (if > 0) the session
// is parked as failed and excluded from idle scans until Retry.
func (l *Lease) Release(failed bool, maxAttempts int) ReleaseResult {
	l.session.mu.Lock()
	defer l.session.mu.Unlock()
	s := l.session
	if l.ended {
		return ReleaseResult{Attempts: s.Attempts, Parked: s.Failed}
	}
	l.ended = true
	s.inflight = false
	if failed {
		s.Attempts++
		if maxAttempts > 0 && s.Attempts >= maxAttempts {
			s.Failed = true
		}
	}
	return ReleaseResult{Attempts: s.Attempts, Parked: s.Failed}
}
