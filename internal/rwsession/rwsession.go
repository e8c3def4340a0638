// Package rwsession implements the RW (read/write) session table: the
// map from device id to its outbound sender, transport association, and
// heartbeat-based expiry deadline (C2).
package rwsession

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/transport"
)

// Entry is one device's live session. Send and Close are bound to the
// device's current association at registration time — the Go analogue
// of the "outbound sender of Zip" the table holds: Send carries data,
// Close asks the transport fabric to drop the association (only
// meaningful, and only ever called, for TCP).
type Entry struct {
	DeviceID        string
	Send            func([]byte) error
	Close           func()
	Assoc           transport.Association
	HeartbeatPeriod time.Duration
	Deadline        time.Time
}

// expirationItem is a heap element. Stale items (superseded by a later
// insert/heart for the same device) are left in the heap and discarded
// by the purge loop on pop rather than removed eagerly — the idiomatic
// Go substitute for an ordered-set-based expiry structure.
type expirationItem struct {
	deadline time.Time
	deviceID string
}

type expirationHeap []expirationItem

func (h expirationHeap) Len() int            { return len(h) }
func (h expirationHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h expirationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expirationHeap) Push(x interface{}) { *h = append(*h, x.(expirationItem)) }
func (h *expirationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Table is the RW session table. Zero value is not usable; use New.
type Table struct {
	mu          sync.Mutex
	sessions    map[string]*Entry
	expirations expirationHeap
	assocIndex  map[transport.Association]string

	wake    chan struct{}
	offline chan string

	logger *slog.Logger
}

// New constructs an empty RW table. offlineBuf sizes the outbound
// "mark-offline" notification channel consumed by the persistence
// collaborator; sends to it are non-blocking, same as every other
// hot-path channel in this system.
func New(offlineBuf int) *Table {
	if offlineBuf <= 0 {
		offlineBuf = 64
	}
	return &Table{
		sessions:   make(map[string]*Entry),
		assocIndex: make(map[transport.Association]string),
		wake:       make(chan struct{}, 1),
		offline:    make(chan string, offlineBuf),
		logger:     logging.Component("rw"),
	}
}

// Offline returns the channel of device ids evicted by purge, for the
// persistence collaborator to mark offline.
func (t *Table) Offline() <-chan string { return t.offline }

func (t *Table) signalWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Insert registers a device's session, computing deadline = now +
// 3*heartbeatPeriod. A prior entry for the same device is superseded.
func (t *Table) Insert(deviceID string, send func([]byte) error, closeFn func(), heartbeatPeriod time.Duration, assoc transport.Association) {
	if heartbeatPeriod < time.Second {
		heartbeatPeriod = time.Second
	}
	now := time.Now()
	deadline := now.Add(3 * heartbeatPeriod)

	t.mu.Lock()
	if prev, ok := t.sessions[deviceID]; ok {
		delete(t.assocIndex, prev.Assoc)
	}
	var oldTop time.Time
	hadEarlier := t.expirations.Len() > 0
	if hadEarlier {
		oldTop = t.expirations[0].deadline
	}
	entry := &Entry{
		DeviceID:        deviceID,
		Send:            send,
		Close:           closeFn,
		Assoc:           assoc,
		HeartbeatPeriod: heartbeatPeriod,
		Deadline:        deadline,
	}
	t.sessions[deviceID] = entry
	t.assocIndex[assoc] = deviceID
	heap.Push(&t.expirations, expirationItem{deadline: deadline, deviceID: deviceID})
	wasEarliest := !hadEarlier || deadline.Before(oldTop)
	t.mu.Unlock()

	metrics.SetRWActiveDevices(t.Count())
	if wasEarliest {
		t.signalWake()
	}
}

// Heart refreshes a device's deadline on heartbeat or any inbound
// message. For UDP, the association is replaced (the source port may
// roam); for TCP, the connection identity is kept stable. If the
// device is unknown, Heart is a no-op.
func (t *Table) Heart(deviceID string, newAssoc transport.Association) {
	now := time.Now()

	t.mu.Lock()
	entry, ok := t.sessions[deviceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	deadline := now.Add(3 * entry.HeartbeatPeriod)
	if newAssoc.Proto == transport.UDP && newAssoc != entry.Assoc {
		delete(t.assocIndex, entry.Assoc)
		entry.Assoc = newAssoc
		t.assocIndex[newAssoc] = deviceID
	}
	oldTop := t.expirations[0].deadline
	entry.Deadline = deadline
	heap.Push(&t.expirations, expirationItem{deadline: deadline, deviceID: deviceID})
	wasEarliest := deadline.Before(oldTop)
	t.mu.Unlock()

	metrics.IncRWHeartbeat()
	if wasEarliest {
		t.signalWake()
	}
}

// CleanByAssoc removes the entry reverse-looked-up by association. No
// Close event is emitted: the caller is already the transport fabric
// reacting to its own disconnect.
func (t *Table) CleanByAssoc(assoc transport.Association) {
	t.mu.Lock()
	deviceID, ok := t.assocIndex[assoc]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.assocIndex, assoc)
	delete(t.sessions, deviceID)
	t.mu.Unlock()
	metrics.SetRWActiveDevices(t.Count())
	metrics.IncRWEviction(metrics.CauseTCPClose)
}

// CleanByDevice removes the entry; if its association was TCP, the
// bound Close closure is invoked after the lock is released so the
// transport fabric tears the connection down.
func (t *Table) CleanByDevice(deviceID string) {
	t.mu.Lock()
	entry, ok := t.sessions[deviceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.sessions, deviceID)
	delete(t.assocIndex, entry.Assoc)
	t.mu.Unlock()

	metrics.SetRWActiveDevices(t.Count())
	metrics.IncRWEviction(metrics.CauseDisable)
	if entry.Assoc.Proto == transport.TCP && entry.Close != nil {
		entry.Close()
	}
}

// GetSender returns the device's current sender and association.
func (t *Table) GetSender(deviceID string) (send func([]byte) error, assoc transport.Association, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.sessions[deviceID]
	if !found {
		return nil, transport.Association{}, false
	}
	return entry.Send, entry.Assoc, true
}

// SenderFor adapts GetSender to the evsession.Dispatcher shape used for
// Actor→Response deferred dispatch, where the association is not needed.
func (t *Table) SenderFor(deviceID string) (func([]byte) error, bool) {
	send, _, ok := t.GetSender(deviceID)
	return send, ok
}

// Dispatcher returns an adapter satisfying evsession.Dispatcher, since
// Table's own GetSender carries the extra association return value
// evsession has no use for.
func (t *Table) Dispatcher() dispatcherAdapter {
	return dispatcherAdapter{t}
}

// dispatcherAdapter narrows Table to the single-purpose shape the Event
// session table's Actor→Response promotion needs.
type dispatcherAdapter struct{ t *Table }

func (a dispatcherAdapter) GetSender(deviceID string) (func([]byte) error, bool) {
	return a.t.SenderFor(deviceID)
}

// Has reports whether a device currently has a live RW entry.
func (t *Table) Has(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[deviceID]
	return ok
}

// GetAssoc returns the device's current association.
func (t *Table) GetAssoc(deviceID string) (transport.Association, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.sessions[deviceID]
	if !ok {
		return transport.Association{}, false
	}
	return entry.Assoc, true
}

// Count returns the number of online devices.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// RunPurge runs the dedicated expiry loop until ctx is cancelled. It
// must run on its own goroutine; the table's mutex is held only for
// brief snapshot-then-release critical sections, never across a send.
func (t *Table) RunPurge(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	for {
		d, ok := t.nextWait()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}
		if d <= 0 {
			t.purgeDue()
			continue
		}
		timer.Reset(d)
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
			if !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
			t.purgeDue()
		}
	}
}

// nextWait returns the duration until the earliest expiration, or
// (_, false) if the heap is empty.
func (t *Table) nextWait() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expirations.Len() == 0 {
		return 0, false
	}
	return time.Until(t.expirations[0].deadline), true
}

// purgeDue pops and evicts every expirations entry whose deadline has
// passed, discarding stale (superseded) entries without action.
func (t *Table) purgeDue() {
	for {
		var due []*Entry
		t.mu.Lock()
		now := time.Now()
		for t.expirations.Len() > 0 && !t.expirations[0].deadline.After(now) {
			item := heap.Pop(&t.expirations).(expirationItem)
			entry, ok := t.sessions[item.deviceID]
			if !ok || !entry.Deadline.Equal(item.deadline) {
				continue // stale: superseded or already removed
			}
			delete(t.sessions, item.deviceID)
			delete(t.assocIndex, entry.Assoc)
			due = append(due, entry)
		}
		t.mu.Unlock()
		if len(due) == 0 {
			return
		}
		metrics.SetRWActiveDevices(t.Count())
		for _, entry := range due {
			metrics.IncRWEviction(metrics.CauseTimeout)
			select {
			case t.offline <- entry.DeviceID:
			default:
				t.logger.Warn("offline_notify_dropped", "device_id", entry.DeviceID)
			}
			if entry.Assoc.Proto == transport.TCP && entry.Close != nil {
				entry.Close()
			}
		}
	}
}
