package rwsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

func noopSend([]byte) error { return nil }

// debugConsistencyCheck cross-validates the sessions map against the
// assocIndex reverse-lookup map, and checks that every session's current
// deadline has an item in the expirations heap (stale items may remain).
func (t *Table) debugConsistencyCheck(tt *testing.T) {
	tt.Helper()
	for deviceID, entry := range t.sessions {
		d, ok := t.assocIndex[entry.Assoc]
		if !ok || d != deviceID {
			tt.Fatalf("assocIndex missing/mismatched for device %s", deviceID)
		}
		found := false
		for _, it := range t.expirations {
			if it.deviceID == deviceID && it.deadline.Equal(entry.Deadline) {
				found = true
				break
			}
		}
		if !found {
			tt.Fatalf("expirations missing current deadline for device %s", deviceID)
		}
	}
	for assoc, deviceID := range t.assocIndex {
		entry, ok := t.sessions[deviceID]
		if !ok || entry.Assoc != assoc {
			tt.Fatalf("sessions missing/mismatched for assoc %v", assoc)
		}
	}
}

// TestRWThreeWayConsistency covers invariant 1 across a sequence of
// inserts, heartbeats, and explicit cleans.
func TestRWThreeWayConsistency(t *testing.T) {
	tbl := New(8)
	a1 := transport.Association{LocalAddr: "l1", RemoteAddr: "r1", Proto: transport.UDP}
	a2 := transport.Association{LocalAddr: "l2", RemoteAddr: "r2", Proto: transport.TCP}

	tbl.Insert("dev1", noopSend, nil, 60*time.Second, a1)
	tbl.Insert("dev2", noopSend, nil, 30*time.Second, a2)

	tbl.mu.Lock()
	tbl.debugConsistencyCheck(t)
	tbl.mu.Unlock()

	tbl.Heart("dev1", transport.Association{LocalAddr: "l1", RemoteAddr: "r1-new", Proto: transport.UDP})

	tbl.mu.Lock()
	tbl.debugConsistencyCheck(t)
	tbl.mu.Unlock()

	tbl.CleanByAssoc(a2)
	tbl.mu.Lock()
	tbl.debugConsistencyCheck(t)
	tbl.mu.Unlock()
	if tbl.Has("dev2") {
		t.Fatalf("dev2 should be gone after CleanByAssoc")
	}
}

// TestHeartbeatMonotonicity covers invariant 4.
func TestHeartbeatMonotonicity(t *testing.T) {
	tbl := New(8)
	a1 := transport.Association{LocalAddr: "l1", RemoteAddr: "r1", Proto: transport.UDP}
	tbl.Insert("dev1", noopSend, nil, time.Second, a1)

	before := time.Now()
	tbl.Heart("dev1", a1)
	after := before.Add(3 * time.Second)

	tbl.mu.Lock()
	entry := tbl.sessions["dev1"]
	tbl.mu.Unlock()
	if entry.Deadline.Before(before.Add(2900*time.Millisecond)) || entry.Deadline.After(after.Add(200*time.Millisecond)) {
		t.Fatalf("deadline %v not within expected window around %v", entry.Deadline, after)
	}
}

// TestNoLeakOnTimeout covers invariant 3: a purged device disappears
// from all three maps and its device-id arrives on Offline().
func TestNoLeakOnTimeout(t *testing.T) {
	tbl := New(8)
	a1 := transport.Association{LocalAddr: "l1", RemoteAddr: "r1", Proto: transport.UDP}
	tbl.Insert("dev1", noopSend, nil, time.Second, a1) // deadline ~3s (1s is the minimum period)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	go tbl.RunPurge(ctx)

	deadline := time.Now().Add(4500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !tbl.Has("dev1") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if tbl.Has("dev1") {
		t.Fatalf("expected dev1 purged by timeout")
	}
	tbl.mu.Lock()
	_, assocStill := tbl.assocIndex[a1]
	tbl.mu.Unlock()
	if assocStill {
		t.Fatalf("assocIndex still references purged device")
	}
	select {
	case id := <-tbl.Offline():
		if id != "dev1" {
			t.Fatalf("unexpected offline notification %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected offline notification for dev1")
	}
}

// TestTCPClosePropagation covers invariant 7: purging a TCP entry
// invokes its Close callback exactly once.
func TestTCPClosePropagation(t *testing.T) {
	tbl := New(8)
	var mu sync.Mutex
	closes := 0
	closeFn := func() { mu.Lock(); closes++; mu.Unlock() }
	assoc := transport.Association{LocalAddr: "l1", RemoteAddr: "r1", Proto: transport.TCP}
	tbl.Insert("dev1", noopSend, closeFn, time.Second, assoc) // deadline ~3s

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	go tbl.RunPurge(ctx)

	deadline := time.Now().Add(4500 * time.Millisecond)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := closes
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected exactly 1 close, got %d", closes)
	}
}

// TestUDPAddressRoam covers scenario S4.
func TestUDPAddressRoam(t *testing.T) {
	tbl := New(8)
	oldAssoc := transport.Association{LocalAddr: "gw:5060", RemoteAddr: "10.0.0.5:5060", Proto: transport.UDP}
	tbl.Insert("dev1", noopSend, nil, 60*time.Second, oldAssoc)

	newAssoc := transport.Association{LocalAddr: "gw:5060", RemoteAddr: "10.0.0.5:5061", Proto: transport.UDP}
	tbl.Heart("dev1", newAssoc)

	got, ok := tbl.GetAssoc("dev1")
	if !ok || got != newAssoc {
		t.Fatalf("expected assoc %v, got %v (ok=%v)", newAssoc, got, ok)
	}
	tbl.mu.Lock()
	_, stillOld := tbl.assocIndex[oldAssoc]
	tbl.mu.Unlock()
	if stillOld {
		t.Fatalf("assocIndex still references old association after roam")
	}
}

// TestHeartbeatEvictionScenario covers scenario S3's shape (eviction
// timing; offline notification).
func TestHeartbeatEvictionScenario(t *testing.T) {
	tbl := New(8)
	assoc := transport.Association{LocalAddr: "l1", RemoteAddr: "r1", Proto: transport.TCP}
	var closed bool
	var mu sync.Mutex
	tbl.Insert("dev1", noopSend, func() { mu.Lock(); closed = true; mu.Unlock() }, time.Second, assoc) // deadline ~3s

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	go tbl.RunPurge(ctx)

	select {
	case id := <-tbl.Offline():
		if id != "dev1" {
			t.Fatalf("unexpected id %q", id)
		}
	case <-time.After(4500 * time.Millisecond):
		t.Fatalf("expected eviction notification")
	}
	// The purge loop closes the socket right after the offline send.
	for end := time.Now().Add(time.Second); time.Now().Before(end); time.Sleep(10 * time.Millisecond) {
		mu.Lock()
		c := closed
		mu.Unlock()
		if c {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !closed {
		t.Fatalf("expected TCP socket close on eviction")
	}
}
