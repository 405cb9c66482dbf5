package loopback

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Completion Channel
// -------------------------------------------------------------------------

// compChannel queues completion notifications. Delivery is synchronous
// with the completing post, so the channel is a cond-guarded FIFO rather
// than a goroutine pump.
type compChannel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*complQueue
	closed bool
}

func newCompChannel() *compChannel {
	ch := &compChannel{}
	ch.cond = sync.NewCond(&ch.mu)
	return ch
}

func (ch *compChannel) notify(cq *complQueue) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.queue = append(ch.queue, cq)
	ch.cond.Signal()
}

func (ch *compChannel) GetEvent() (verbs.CQ, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for len(ch.queue) == 0 && !ch.closed {
		ch.cond.Wait()
	}
	if len(ch.queue) == 0 {
		return nil, unix.EBADF
	}
	cq := ch.queue[0]
	ch.queue = ch.queue[1:]
	return cq, nil
}

// FD is not supported: the loopback channel has no file descriptor.
func (ch *compChannel) FD() (int, error) {
	return -1, unix.EOPNOTSUPP
}

func (ch *compChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return unix.EINVAL
	}
	ch.closed = true
	ch.cond.Broadcast()
	return nil
}

// -------------------------------------------------------------------------
// Completion Queue
// -------------------------------------------------------------------------

type complQueue struct {
	mu        sync.Mutex
	entries   []verbs.WorkCompletion
	depth     int
	armed     bool
	ch        *compChannel
	unacked   int
	destroyed bool
}

// push appends a completion and, if the CQ is armed, fires one
// notification and disarms.
func (cq *complQueue) push(wc verbs.WorkCompletion) {
	cq.mu.Lock()
	fire := cq.armed && cq.ch != nil
	if fire {
		cq.armed = false
	}
	cq.entries = append(cq.entries, wc)
	cq.mu.Unlock()

	if fire {
		cq.ch.notify(cq)
	}
}

func (cq *complQueue) ReqNotify() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.destroyed {
		return unix.EINVAL
	}
	cq.armed = true
	return nil
}

func (cq *complQueue) Poll(wc []verbs.WorkCompletion) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.destroyed {
		return 0, unix.EINVAL
	}
	n := copy(wc, cq.entries)
	cq.entries = cq.entries[n:]
	return n, nil
}

func (cq *complQueue) Ack(n int) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.unacked -= n
}

func (cq *complQueue) Destroy() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.destroyed {
		return unix.EINVAL
	}
	cq.destroyed = true
	return nil
}

// -------------------------------------------------------------------------
// Shared Receive Queue
// -------------------------------------------------------------------------

type recvEntry struct {
	wrID   uint64
	mr     *memRegion
	offset uint64
	length uint64
}

type sharedRQ struct {
	mu        sync.Mutex
	entries   []recvEntry
	depth     int
	destroyed bool
}

func (srq *sharedRQ) PostRecv(wrID uint64, mr verbs.MR, offset, length uint64) error {
	srq.mu.Lock()
	defer srq.mu.Unlock()
	if srq.destroyed {
		return unix.EINVAL
	}
	if len(srq.entries) >= srq.depth {
		return unix.ENOMEM
	}
	entry := recvEntry{wrID: wrID, offset: offset, length: length}
	if mr != nil {
		reg, ok := mr.(*memRegion)
		if !ok {
			return unix.EINVAL
		}
		entry.mr = reg
	}
	srq.entries = append(srq.entries, entry)
	return nil
}

// take pops the oldest posted receive, FIFO. ok is false when empty.
func (srq *sharedRQ) take() (recvEntry, bool) {
	srq.mu.Lock()
	defer srq.mu.Unlock()
	if len(srq.entries) == 0 {
		return recvEntry{}, false
	}
	e := srq.entries[0]
	srq.entries = srq.entries[1:]
	return e, true
}

func (srq *sharedRQ) Destroy() error {
	srq.mu.Lock()
	defer srq.mu.Unlock()
	if srq.destroyed {
		return unix.EINVAL
	}
	srq.destroyed = true
	return nil
}
