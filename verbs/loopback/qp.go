package loopback

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// atomicWriteSize is the fixed payload size of the native atomic write.
const atomicWriteSize = 8

// queuePair executes work requests synchronously at post time. One-sided
// operations act directly on the target region's backing slice; sends
// consume the oldest receive posted on the paired identifier.
type queuePair struct {
	prov        *Provider
	id          *cmID
	sendCQ      *complQueue
	recvCQ      *complQueue
	srq         *sharedRQ
	atomicWrite bool

	mu        sync.Mutex
	rq        []recvEntry
	rqDepth   int
	destroyed bool
}

func (qp *queuePair) PostRecv(wrID uint64, mr verbs.MR, offset, length uint64) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.destroyed {
		return unix.EINVAL
	}
	if len(qp.rq) >= qp.rqDepth {
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
	qp.rq = append(qp.rq, entry)
	return nil
}

func (qp *queuePair) PostSend(wr verbs.SendWR) error {
	qp.mu.Lock()
	if qp.destroyed {
		qp.mu.Unlock()
		return unix.EINVAL
	}
	qp.mu.Unlock()

	switch wr.Opcode {
	case verbs.OpRead:
		qp.execRead(wr)
	case verbs.OpWrite:
		qp.execWrite(wr)
	case verbs.OpAtomicWrite:
		if !qp.atomicWrite {
			return unix.EOPNOTSUPP
		}
		qp.execAtomicWrite(wr)
	case verbs.OpSend:
		qp.execSend(wr)
	case verbs.OpFlush:
		if !qp.prov.attr.Flush {
			return unix.EOPNOTSUPP
		}
		// Completion order already guarantees prior writes are placed.
		qp.complete(wr, verbs.StatusSuccess, 0)
	default:
		return unix.EINVAL
	}
	return nil
}

// complete reports the send-side outcome. Failures always complete;
// successes complete only when the work request was signaled.
func (qp *queuePair) complete(wr verbs.SendWR, status verbs.Status, n uint32) {
	if status == verbs.StatusSuccess && wr.Flags&verbs.SendSignaled == 0 {
		return
	}
	qp.sendCQ.push(verbs.WorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  wr.Opcode,
		ByteLen: n,
	})
}

func (qp *queuePair) execRead(wr verbs.SendWR) {
	remote := qp.prov.lookupRegion(wr.RKey)
	if remote == nil || remote.access&verbs.AccessRemoteRead == 0 {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	src := remote.slice(wr.RemoteAddr, wr.Length)
	if src == nil {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	if wr.Length > 0 {
		local, ok := wr.Local.(*memRegion)
		if !ok || wr.LocalOffset+wr.Length > uint64(len(local.buf)) {
			qp.complete(wr, verbs.StatusLocalError, 0)
			return
		}
		copy(local.buf[wr.LocalOffset:wr.LocalOffset+wr.Length], src)
	}
	qp.complete(wr, verbs.StatusSuccess, uint32(wr.Length))
}

func (qp *queuePair) execWrite(wr verbs.SendWR) {
	remote := qp.prov.lookupRegion(wr.RKey)
	if remote == nil || remote.access&verbs.AccessRemoteWrite == 0 {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	dst := remote.slice(wr.RemoteAddr, wr.Length)
	if dst == nil {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	if wr.Length > 0 {
		local, ok := wr.Local.(*memRegion)
		if !ok || wr.LocalOffset+wr.Length > uint64(len(local.buf)) {
			qp.complete(wr, verbs.StatusLocalError, 0)
			return
		}
		copy(dst, local.buf[wr.LocalOffset:wr.LocalOffset+wr.Length])
	}
	qp.complete(wr, verbs.StatusSuccess, uint32(wr.Length))
}

func (qp *queuePair) execAtomicWrite(wr verbs.SendWR) {
	if len(wr.Inline) != atomicWriteSize {
		qp.complete(wr, verbs.StatusLocalError, 0)
		return
	}
	remote := qp.prov.lookupRegion(wr.RKey)
	if remote == nil || remote.access&verbs.AccessRemoteWrite == 0 {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	dst := remote.slice(wr.RemoteAddr, atomicWriteSize)
	if dst == nil {
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}
	copy(dst, wr.Inline)
	qp.complete(wr, verbs.StatusSuccess, atomicWriteSize)
}

func (qp *queuePair) execSend(wr verbs.SendWR) {
	qp.id.mu.Lock()
	peer := qp.id.remote
	connected := qp.id.connected
	qp.id.mu.Unlock()

	if !connected || peer == nil {
		qp.complete(wr, verbs.StatusFlushed, 0)
		return
	}

	peer.mu.Lock()
	peerQP := peer.qp
	peer.mu.Unlock()
	if peerQP == nil {
		qp.complete(wr, verbs.StatusFlushed, 0)
		return
	}

	entry, ok := peerQP.takeRecv()
	if !ok {
		// Receiver-not-ready with retries exhausted.
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}

	if wr.Length > entry.length || (wr.Length > 0 && entry.mr == nil) {
		// Message does not fit the posted receive.
		peerQP.recvCQ.push(verbs.WorkCompletion{
			WRID:   entry.wrID,
			Status: verbs.StatusLocalError,
			Opcode: verbs.OpRecv,
		})
		qp.complete(wr, verbs.StatusRemoteAccessError, 0)
		return
	}

	if wr.Length > 0 {
		local, lok := wr.Local.(*memRegion)
		if !lok || wr.LocalOffset+wr.Length > uint64(len(local.buf)) {
			qp.complete(wr, verbs.StatusLocalError, 0)
			return
		}
		copy(entry.mr.buf[entry.offset:entry.offset+wr.Length],
			local.buf[wr.LocalOffset:wr.LocalOffset+wr.Length])
	}

	peerQP.recvCQ.push(verbs.WorkCompletion{
		WRID:     entry.wrID,
		Status:   verbs.StatusSuccess,
		Opcode:   verbs.OpRecv,
		ByteLen:  uint32(wr.Length),
		Imm:      wr.Imm,
		ImmValid: wr.ImmValid,
	})
	qp.complete(wr, verbs.StatusSuccess, uint32(wr.Length))
}

// takeRecv pops from the bound SRQ when one is attached, otherwise from
// the private receive queue.
func (qp *queuePair) takeRecv() (recvEntry, bool) {
	if qp.srq != nil {
		return qp.srq.take()
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if len(qp.rq) == 0 {
		return recvEntry{}, false
	}
	e := qp.rq[0]
	qp.rq = qp.rq[1:]
	return e, true
}

func (qp *queuePair) destroy() {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.destroyed = true
	qp.rq = nil
}

func (qp *queuePair) Destroy() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.destroyed {
		return unix.EINVAL
	}
	qp.destroyed = true
	qp.rq = nil
	return nil
}
