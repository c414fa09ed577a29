package session_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"radiolink/internal/session"
	"radiolink/internal/study"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func arrival(id string) session.Arrival {
	return session.Arrival{PatientID: id, PatientName: "Name " + id, Study: study.Metadata{Modality: "CT"}}
}

func TestUpsertCountsSuccessfulAppendsOnly(t *testing.T) {
	reg := session.NewRegistry()

	for i := 0; i < 3; i++ {
		if _, err := reg.Upsert(arrival("P1"), func(*session.Session) error { return nil }); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	boom := errors.New("disk full")
	if _, err := reg.Upsert(arrival("P1"), func(*session.Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected append error, got %v", err)
	}

	snap, ok := reg.Get("P1")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if snap.ImageCount != 3 {
		t.Fatalf("expected 3 images, got %d", snap.ImageCount)
	}
	if snap.PatientName != "Name P1" || snap.Study.Modality != "CT" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFailedFirstAppendDiscardsSession(t *testing.T) {
	reg := session.NewRegistry()
	if _, err := reg.Upsert(arrival("P1"), func(*session.Session) error { return errors.New("nope") }); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := reg.Get("P1"); ok {
		t.Fatal("session should be discarded after failed first append")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
	if _, err := reg.Upsert(session.Arrival{}, nil); !errors.Is(err, session.ErrNoPatient) {
		t.Fatalf("expected ErrNoPatient, got %v", err)
	}
}

func TestSnapshotIdleHonoursThreshold(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(session.WithClock(clock.Now))
	threshold := 60 * time.Second
	noop := func(*session.Session) error { return nil }

	// file at t=0 and t=50
	if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	clock.Advance(50 * time.Second)
	if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	clock.Advance(10 * time.Second) // t=60
	if ids := reg.SnapshotIdle(threshold, clock.Now()); len(ids) != 0 {
		t.Fatalf("expected no idle sessions at t=60, got %v", ids)
	}
	clock.Advance(50 * time.Second) // t=110
	ids := reg.SnapshotIdle(threshold, clock.Now())
	if len(ids) != 1 || ids[0] != "P1" {
		t.Fatalf("expected P1 idle at t=110, got %v", ids)
	}
}

func TestSnapshotIdleSkipsBusyFailedAndLeased(t *testing.T) {
	clock := newFakeClock()
	reg := session.NewRegistry(session.WithClock(clock.Now))
	noop := func(*session.Session) error { return nil }
	for _, id := range []string{"busy", "leased", "failed", "ready"} {
		if _, err := reg.Upsert(arrival(id), noop); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	clock.Advance(time.Minute)

	lease, ok := reg.Acquire("leased")
	if !ok {
		t.Fatal("expected lease")
	}
	defer lease.Release(false, 0)

	failedLease, ok := reg.Acquire("failed")
	if !ok {
		t.Fatal("expected lease")
	}
	if res := failedLease.Release(true, 1); !res.Parked || res.Attempts != 1 {
		t.Fatalf("expected session parked after one failure, got %+v", res)
	}

	inAppend := make(chan struct{})
	finish := make(chan struct{})
	go func() {
		_, _ = reg.Upsert(arrival("busy"), func(*session.Session) error {
			close(inAppend)
			<-finish
			return nil
		})
	}()
	<-inAppend

	ids := reg.SnapshotIdle(time.Second, clock.Now())
	close(finish)
	if len(ids) != 1 || ids[0] != "ready" {
		t.Fatalf("expected only ready to be idle, got %v", ids)
	}

	if !reg.Retry("failed") {
		t.Fatal("expected Retry to find session")
	}
	snap, _ := reg.Get("failed")
	if snap.Failed || snap.Attempts != 0 {
		t.Fatalf("Retry should clear failure state, got %+v", snap)
	}
}

func TestLeaseCompleteRemovesOrKeepsNewArrivals(t *testing.T) {
	reg := session.NewRegistry()
	noop := func(*session.Session) error { return nil }
	for i := 0; i < 2; i++ {
		if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	lease, ok := reg.Acquire("P1")
	if !ok {
		t.Fatal("expected lease")
	}
	if _, ok := reg.Acquire("P1"); ok {
		t.Fatal("second lease must be refused while first is held")
	}
	if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
		t.Fatalf("Upsert during lease failed: %v", err)
	}

	var gotArrived int
	removed, err := lease.Complete(func(arrived int) error {
		gotArrived = arrived
		return nil
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if removed || gotArrived != 1 {
		t.Fatalf("expected session kept with 1 new arrival, removed=%v arrived=%d", removed, gotArrived)
	}
	snap, ok := reg.Get("P1")
	if !ok || snap.ImageCount != 1 || snap.InFlight {
		t.Fatalf("unexpected session after partial completion: %+v ok=%v", snap, ok)
	}

	lease, ok = reg.Acquire("P1")
	if !ok {
		t.Fatal("expected second lease")
	}
	removed, err = lease.Complete(nil)
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	if _, ok := reg.Get("P1"); ok {
		t.Fatal("session should be gone after completion")
	}
	if _, ok := reg.Acquire("P1"); ok {
		t.Fatal("removed session must not be leasable")
	}
	if _, err := lease.Complete(nil); !errors.Is(err, session.ErrLeaseEnded) {
		t.Fatalf("expected ErrLeaseEnded, got %v", err)
	}
}

func TestLeaseCompleteFinishErrorKeepsSession(t *testing.T) {
	reg := session.NewRegistry()
	if _, err := reg.Upsert(arrival("P1"), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	lease, _ := reg.Acquire("P1")
	if _, err := lease.Complete(func(int) error { return errors.New("delete failed") }); err == nil {
		t.Fatal("expected finish error")
	}
	snap, ok := reg.Get("P1")
	if !ok || snap.InFlight || snap.ImageCount != 1 {
		t.Fatalf("session should survive a failed finish: %+v ok=%v", snap, ok)
	}
}

func TestLeaseHoldCountsAppendsBeforeHoldAsUploaded(t *testing.T) {
	reg := session.NewRegistry()
	noop := func(*session.Session) error { return nil }
	if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	lease, ok := reg.Acquire("P1")
	if !ok {
		t.Fatal("expected lease")
	}
	// Lands after Acquire but before the archive is opened, so it is uploaded.
	if _, err := reg.Upsert(arrival("P1"), noop); err != nil {
		t.Fatalf("Upsert after Acquire failed: %v", err)
	}

	var held session.Snapshot
	if err := lease.Hold(func(snap session.Snapshot) error {
		held = snap
		return nil
	}); err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if held.ImageCount != 2 || lease.Snapshot().ImageCount != 2 {
		t.Fatalf("expected hold snapshot of 2 images, got held=%d lease=%d", held.ImageCount, lease.Snapshot().ImageCount)
	}

	gotArrived := -1
	removed, err := lease.Complete(func(arrived int) error {
		gotArrived = arrived
		return nil
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !removed || gotArrived != 0 {
		t.Fatalf("expected removal with nothing new, removed=%v arrived=%d", removed, gotArrived)
	}
	if _, ok := reg.Get("P1"); ok {
		t.Fatal("session should be gone once everything was uploaded")
	}
}

func TestRegistryTrimsPatientIDs(t *testing.T) {
	reg := session.NewRegistry()
	if _, err := reg.Upsert(arrival("  P1 "), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := reg.Upsert(arrival("   "), nil); !errors.Is(err, session.ErrNoPatient) {
		t.Fatalf("expected ErrNoPatient for blank id, got %v", err)
	}

	if snap, ok := reg.Get(" P1\t"); !ok || snap.PatientID != "P1" {
		t.Fatalf("padded Get missed session: %+v ok=%v", snap, ok)
	}
	lease, ok := reg.Acquire("P1 ")
	if !ok {
		t.Fatal("padded Acquire missed session")
	}
	lease.Release(true, 1)
	if !reg.Retry(" P1") {
		t.Fatal("padded Retry missed parked session")
	}
	if !reg.Remove("\tP1") {
		t.Fatal("padded Remove missed session")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestArrivalsForDifferentPatientsDoNotBlock(t *testing.T) {
	reg := session.NewRegistry()
	blockA := make(chan struct{})
	inA := make(chan struct{})

	go func() {
		_, _ = reg.Upsert(arrival("A"), func(*session.Session) error {
			close(inA)
			<-blockA
			return nil
		})
	}()
	<-inA

	done := make(chan error, 1)
	go func() {
		_, err := reg.Upsert(arrival("B"), func(*session.Session) error { return nil })
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Upsert B failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("arrival for B blocked behind A's append")
	}
	close(blockA)
}

func TestInterleavedArrivalsStayIndependent(t *testing.T) {
	reg := session.NewRegistry()
	const perPatient = 50
	var wg sync.WaitGroup
	var appended [2]atomic.Int64
	for p := 0; p < 2; p++ {
		for i := 0; i < perPatient; i++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				_, err := reg.Upsert(arrival(fmt.Sprintf("P%d", p)), func(*session.Session) error {
					appended[p].Add(1)
					return nil
				})
				if err != nil {
					t.Errorf("Upsert failed: %v", err)
				}
			}(p)
		}
	}
	wg.Wait()
	for p := 0; p < 2; p++ {
		snap, ok := reg.Get(fmt.Sprintf("P%d", p))
		if !ok || snap.ImageCount != perPatient || appended[p].Load() != perPatient {
			t.Fatalf("patient P%d: snapshot=%+v appended=%d", p, snap, appended[p].Load())
		}
	}
}

func TestAtMostOneLeasePerPatientUnderStress(t *testing.T) {
	reg := session.NewRegistry()
	if _, err := reg.Upsert(arrival("P1"), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	var holders, maxHolders, grants atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				lease, ok := reg.Acquire("P1")
				if !ok {
					continue
				}
				grants.Add(1)
				n := holders.Add(1)
				for {
					cur := maxHolders.Load()
					if n <= cur || maxHolders.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Microsecond)
				holders.Add(-1)
				lease.Release(true, 0)
			}
		}()
	}
	wg.Wait()
	if maxHolders.Load() != 1 {
		t.Fatalf("expected at most one concurrent lease, observed %d", maxHolders.Load())
	}
	if grants.Load() == 0 {
		t.Fatal("expected at least one lease to be granted")
	}
}

func TestRemoveDuringAppendIsRetried(t *testing.T) {
	reg := session.NewRegistry()
	if _, err := reg.Upsert(arrival("P1"), nil); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if !reg.Remove("P1") {
		t.Fatal("expected Remove to report existing session")
	}
	if reg.Remove("P1") {
		t.Fatal("second Remove should report absence")
	}
	snap, err := reg.Upsert(arrival("P1"), nil)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if snap.ImageCount != 1 {
		t.Fatalf("new session should start fresh, got %d images", snap.ImageCount)
	}
	if list := reg.List(); len(list) != 1 || list[0].PatientID != "P1" {
		t.Fatalf("unexpected list: %+v", list)
	}
}
