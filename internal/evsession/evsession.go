// Package evsession implements the Event session table: SIP transaction
// correlation from (device id, call id, cseq) to a pending container — a
// response waiter or a deferred actor — with bounded-time expiry (C3).
package evsession

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/gb28181-gateway/internal/logging"
	"github.com/kstaniek/gb28181-gateway/internal/metrics"
	"github.com/kstaniek/gb28181-gateway/internal/sipmsg"
)

// EXPIRES_DEFAULT is the default deadline window given to a Response
// container created by an Actor transition.
const EXPIRES_DEFAULT = 8 * time.Second

// RELOAD_EXPIRES is the window used when a transaction is re-armed for
// an expected follow-up (e.g. re-INVITE retry bookkeeping upstream).
const RELOAD_EXPIRES = 2 * time.Second

// Ident is the key identifying one SIP transaction: device id, call id,
// and CSeq. call_id alone is kept as a secondary index since it is
// unique across all live transactions.
type Ident struct {
	DeviceID string
	CallID   string
	CSeq     string
}

func (i Ident) String() string {
	return fmt.Sprintf("%s/%s/%s", i.DeviceID, i.CallID, i.CSeq)
}

// ResponseResult is what a waiter receives: the response (nil on
// timeout) and the deadline the entry carried when it fired.
type ResponseResult struct {
	Response *sipmsg.Message
	Deadline time.Time
}

// Container is a tagged union of "wait for a response" and "wait until
// deadline, then act" realized as a Go interface rather than an
// enum-with-payload: the Actor→Response transition inside the purge
// loop is the only place the concrete type changes.
type Container interface {
	isContainer()
}

// ResponseContainer is "wait for a response, optionally notifying a
// waiter". The waiter may be nil (fire-and-forget): the entry still
// exists to dedupe retransmissions, but nobody is waiting on it.
type ResponseContainer struct {
	Waiter chan<- ResponseResult
}

func (ResponseContainer) isContainer() {}

// ActorContainer is "wait until deadline, then send Msg to DeviceID and
// begin waiting for a response under Ident". The Ident is the follow-up
// transaction's own (possibly different) identity.
type ActorContainer struct {
	Ident  Ident
	Msg    []byte
	Waiter chan<- ResponseResult
}

func (ActorContainer) isContainer() {}

type eventEntry struct {
	deadline  time.Time
	ident     Ident
	container Container
}

type expirationItem struct {
	deadline time.Time
	ident    Ident
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

// Dispatcher is the RW table collaborator used to deliver an Actor's
// deferred message without re-registering the outer ident — the Go
// analogue of the original's do_send_outer.
type Dispatcher interface {
	GetSender(deviceID string) (send func([]byte) error, ok bool)
}

// Table is the Event session table. Zero value is not usable; use New.
type Table struct {
	mu          sync.Mutex
	identMap    map[Ident]eventEntry
	expirations expirationHeap
	callIndex   map[string]string // call_id -> device_id

	wake chan struct{}
	rw   Dispatcher

	logger *slog.Logger
}

// New constructs an empty Event table bound to rw for Actor dispatch.
func New(rw Dispatcher) *Table {
	return &Table{
		identMap:  make(map[Ident]eventEntry),
		callIndex: make(map[string]string),
		wake:      make(chan struct{}, 1),
		rw:        rw,
		logger:    logging.Component("event"),
	}
}

func (t *Table) signalWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Listen registers a new transaction. Fails if call_id is already
// registered: a duplicate transaction means the caller reused a
// call-id, which is a programming error — fresh call-ids are the
// caller's responsibility.
func (t *Table) Listen(ident Ident, deadline time.Time, container Container) error {
	t.mu.Lock()
	if _, exists := t.callIndex[ident.CallID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("evsession: duplicate listen for call-id %q (ident=%s)", ident.CallID, ident)
	}
	t.callIndex[ident.CallID] = ident.DeviceID
	t.identMap[ident] = eventEntry{deadline: deadline, ident: ident, container: container}
	hadEarlier := t.expirations.Len() > 0
	var oldTop time.Time
	if hadEarlier {
		oldTop = t.expirations[0].deadline
	}
	heap.Push(&t.expirations, expirationItem{deadline: deadline, ident: ident})
	wasEarliest := !hadEarlier || deadline.Before(oldTop)
	t.mu.Unlock()

	metrics.SetEventActiveTransactions(t.Count())
	if wasEarliest {
		t.signalWake()
	}
	return nil
}

// Remove is an idempotent removal of ident from identMap and callIndex;
// its expirations item stays behind and the purge loop discards it as
// stale.
func (t *Table) Remove(ident Ident) {
	t.mu.Lock()
	_, ok := t.identMap[ident]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.identMap, ident)
	delete(t.callIndex, ident.CallID)
	t.mu.Unlock()
	metrics.SetEventActiveTransactions(t.Count())
}

// HandleResponse resolves device_id via call_index, then looks up the
// full ident. A Response container forwards the result to its waiter
// without removing the entry unless the waiter is nil, in which case
// the entry is removed immediately (nobody will ever consume it again).
// An Actor container at this point is an invariant violation.
func (t *Table) HandleResponse(callID, cseq string, response *sipmsg.Message) error {
	t.mu.Lock()
	deviceID, ok := t.callIndex[callID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("response_unknown_call_id", "call_id", callID, "cseq", cseq)
		metrics.IncEventResponseDropped()
		return nil
	}
	ident := Ident{DeviceID: deviceID, CallID: callID, CSeq: cseq}
	entry, ok := t.identMap[ident]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("response_timeout_or_unknown", "ident", ident.String())
		metrics.IncEventResponseDropped()
		return nil
	}

	switch c := entry.container.(type) {
	case ResponseContainer:
		waiter := c.Waiter
		deadline := entry.deadline
		if waiter == nil {
			delete(t.identMap, ident)
			delete(t.callIndex, ident.CallID)
		}
		t.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- ResponseResult{Response: response, Deadline: deadline}:
				metrics.IncEventResponseRouted()
			default:
				t.logger.Warn("response_waiter_full", "ident", ident.String())
			}
		} else {
			metrics.SetEventActiveTransactions(t.Count())
		}
		return nil
	case ActorContainer:
		t.mu.Unlock()
		err := fmt.Errorf("evsession: response for actor-phase ident %s is invalid", ident)
		t.logger.Error("response_on_actor_container", "ident", ident.String())
		return err
	default:
		t.mu.Unlock()
		return fmt.Errorf("evsession: unknown container type for ident %s", ident)
	}
}

// Count returns the number of pending transactions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.identMap)
}

// RunPurge runs the dedicated expiry loop until ctx is cancelled.
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

func (t *Table) nextWait() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expirations.Len() == 0 {
		return 0, false
	}
	return time.Until(t.expirations[0].deadline), true
}

// purgeDue pops and handles every expirations entry whose deadline has
// passed, discarding stale (superseded/already-removed) entries. A
// Response(waiter) entry signals timeout with a nil response and is
// removed. An Actor entry transitions into a fresh Response(waiter)
// registered under its own ident, with its deferred message dispatched
// through the RW table's sender — without re-registering the outer
// ident that just expired.
func (t *Table) purgeDue() {
	for {
		type dueItem struct {
			ident Ident
			entry eventEntry
		}
		var due []dueItem
		t.mu.Lock()
		now := time.Now()
		for t.expirations.Len() > 0 && !t.expirations[0].deadline.After(now) {
			item := heap.Pop(&t.expirations).(expirationItem)
			entry, ok := t.identMap[item.ident]
			if !ok || !entry.deadline.Equal(item.deadline) {
				continue // stale: superseded or already removed
			}
			delete(t.identMap, item.ident)
			delete(t.callIndex, item.ident.CallID)
			due = append(due, dueItem{ident: item.ident, entry: entry})
		}
		t.mu.Unlock()
		if len(due) == 0 {
			return
		}
		metrics.SetEventActiveTransactions(t.Count())

		for _, di := range due {
			switch c := di.entry.container.(type) {
			case ResponseContainer:
				metrics.IncEventTimeout()
				t.logger.Warn("transaction_timeout", "ident", di.ident.String())
				if c.Waiter != nil {
					select {
					case c.Waiter <- ResponseResult{Response: nil, Deadline: di.entry.deadline}:
					default:
						t.logger.Warn("timeout_waiter_full", "ident", di.ident.String())
					}
				}
			case ActorContainer:
				if err := t.promoteActor(c); err != nil {
					t.logger.Error("actor_promotion_failed", "ident", c.Ident.String(), "error", err)
				}
			}
		}
	}
}

// promoteActor performs the Actor→Response transition: register a
// Response(waiter) under the actor's own ident with a fresh
// EXPIRES_DEFAULT deadline, then send the deferred message to the
// device via the RW table's sender.
func (t *Table) promoteActor(c ActorContainer) error {
	newDeadline := time.Now().Add(EXPIRES_DEFAULT)
	if err := t.Listen(c.Ident, newDeadline, ResponseContainer{Waiter: c.Waiter}); err != nil {
		return err
	}
	send, ok := t.rw.GetSender(c.Ident.DeviceID)
	if !ok {
		return fmt.Errorf("evsession: device %s has no active session for deferred send", c.Ident.DeviceID)
	}
	return send(c.Msg)
}
