package streamid

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/kstaniek/gb28181-gateway/internal/gwerrors"
)

// PoolSize is the number of 4-digit pool suffixes a domain's SSRC pool
// covers (0000-9999).
const PoolSize = 10000

// intHeap is a min-heap of free pool suffixes so Get always returns the
// smallest available value, matching the original's ordered free set.
type intHeap []uint16

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(uint16)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// SSRCPool hands out 4-digit SSRC pool suffixes with reuse. Get pops the
// smallest free suffix; Put returns one to the free set. |free| + |in_use|
// is always PoolSize.
type SSRCPool struct {
	mu     sync.Mutex
	free   intHeap
	inUse  map[uint16]struct{}
}

// NewSSRCPool builds a pool covering the full 0000-9999 suffix range.
func NewSSRCPool() *SSRCPool {
	p := &SSRCPool{
		free:  make(intHeap, PoolSize),
		inUse: make(map[uint16]struct{}),
	}
	for i := 0; i < PoolSize; i++ {
		p.free[i] = uint16(i)
	}
	heap.Init(&p.free)
	return p
}

// Get pops the smallest free suffix. Exhaustion is a user-visible
// "concurrency limit reached" failure, never a wait.
func (p *SSRCPool) Get() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free.Len() == 0 {
		return 0, gwerrors.NewBiz(gwerrors.CodeConcurrencyLimit, "concurrency limit reached")
	}
	v := heap.Pop(&p.free).(uint16)
	p.inUse[v] = struct{}{}
	return v, nil
}

// Put returns a suffix to the free set. Returning a value not currently
// in use is a caller bug and is ignored rather than corrupting the pool.
func (p *SSRCPool) Put(v uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[v]; !ok {
		return
	}
	delete(p.inUse, v)
	heap.Push(&p.free, v)
}

// Free reports the number of suffixes currently available.
func (p *SSRCPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// InUse reports the number of suffixes currently checked out.
func (p *SSRCPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// FormatSSRC builds the 10-digit LSDDDDDNNNN SSRC string: L is 0 for
// live / 1 for playback, SDDDDD is domainID[4:9] (five characters), and
// NNNN is the zero-padded pool suffix.
func FormatSSRC(domainID string, live bool, suffix uint16) (string, error) {
	if len(domainID) < 9 {
		return "", fmt.Errorf("streamid: domain id %q too short for SSRC derivation", domainID)
	}
	lead := "1"
	if live {
		lead = "0"
	}
	return fmt.Sprintf("%s%s%04d", lead, domainID[4:9], suffix), nil
}
