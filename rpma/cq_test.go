package rpma

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// -------------------------------------------------------------------------
// Stub provider pieces for defensive-path tests
// -------------------------------------------------------------------------

// stubChannel is a completion channel that hands back a canned CQ.
type stubChannel struct {
	cq     verbs.CQ
	closed bool
}

func (ch *stubChannel) GetEvent() (verbs.CQ, error) { return ch.cq, nil }
func (ch *stubChannel) FD() (int, error)            { return -1, errors.New("no fd") }
func (ch *stubChannel) Close() error                { ch.closed = true; return nil }

// stubCQ reports a configurable completion count from Poll.
type stubCQ struct {
	reported int
	armed    int
	acked    int
}

func (cq *stubCQ) ReqNotify() error { cq.armed++; return nil }
func (cq *stubCQ) Ack(n int)        { cq.acked += n }
func (cq *stubCQ) Destroy() error   { return nil }

func (cq *stubCQ) Poll(wc []verbs.WorkCompletion) (int, error) {
	n := cq.reported
	for i := 0; i < n && i < len(wc); i++ {
		wc[i] = verbs.WorkCompletion{WRID: uint64(i + 1), Opcode: verbs.OpSend}
	}
	return n, nil
}

// -------------------------------------------------------------------------
// TestCQPollEmpty — fresh CQ has nothing to deliver
// -------------------------------------------------------------------------

func TestCQPollEmpty(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	dev, err := prov.OpenDevice("192.0.2.1")
	if err != nil {
		t.Fatalf("OpenDevice() error: %v", err)
	}

	cq, err := newCQ(dev, 10, nil)
	if err != nil {
		t.Fatalf("newCQ() error: %v", err)
	}
	defer cq.Close()

	wc := make([]verbs.WorkCompletion, 1)
	n, err := cq.Poll(wc)
	if !errors.Is(err, ErrNoCompletion) {
		t.Errorf("Poll(empty CQ) = %v, want ErrNoCompletion", err)
	}
	if n != 0 {
		t.Errorf("Poll(empty CQ) count = %d, want 0", n)
	}
}

// -------------------------------------------------------------------------
// TestCQPollOverDelivery — provider reporting more than requested
// -------------------------------------------------------------------------

func TestCQPollOverDelivery(t *testing.T) {
	t.Parallel()

	provCQ := &stubCQ{reported: 3}
	cq := &CQ{cq: provCQ, ch: &stubChannel{cq: provCQ}, ownsChannel: true}

	wc := make([]verbs.WorkCompletion, 2)
	n, err := cq.Poll(wc)
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("Poll(over-delivering CQ) = %v, want ErrUnknown", err)
	}
	if n != 0 {
		t.Errorf("Poll(over-delivering CQ) count = %d, want 0", n)
	}
}

// -------------------------------------------------------------------------
// TestCQPollNoBuffer
// -------------------------------------------------------------------------

func TestCQPollNoBuffer(t *testing.T) {
	t.Parallel()

	provCQ := &stubCQ{}
	cq := &CQ{cq: provCQ, ch: &stubChannel{cq: provCQ}, ownsChannel: true}

	if _, err := cq.Poll(nil); !errors.Is(err, ErrInval) {
		t.Errorf("Poll(nil buffer) = %v, want ErrInval", err)
	}
}

// -------------------------------------------------------------------------
// TestCQWaitRearms — every successful wait re-arms the CQ
// -------------------------------------------------------------------------

func TestCQWaitRearms(t *testing.T) {
	t.Parallel()

	provCQ := &stubCQ{}
	ch := &stubChannel{cq: provCQ}
	cq := &CQ{cq: provCQ, ch: ch, ownsChannel: true}

	for i := 1; i <= 3; i++ {
		if err := cq.Wait(); err != nil {
			t.Fatalf("Wait() #%d error: %v", i, err)
		}
		if provCQ.armed != i {
			t.Errorf("after Wait() #%d: armed %d times, want %d", i, provCQ.armed, i)
		}
		if provCQ.acked != i {
			t.Errorf("after Wait() #%d: acked %d events, want %d", i, provCQ.acked, i)
		}
	}
}

// -------------------------------------------------------------------------
// TestCQWaitWrongQueue — notification for a different CQ
// -------------------------------------------------------------------------

func TestCQWaitWrongQueue(t *testing.T) {
	t.Parallel()

	other := &stubCQ{}
	mine := &stubCQ{}
	cq := &CQ{cq: mine, ch: &stubChannel{cq: other}, ownsChannel: true}

	if err := cq.Wait(); !errors.Is(err, ErrNoCompletion) {
		t.Errorf("Wait(foreign notification) = %v, want ErrNoCompletion", err)
	}
}

// -------------------------------------------------------------------------
// TestCQCloseDestroysOwnedChannel
// -------------------------------------------------------------------------

func TestCQCloseDestroysOwnedChannel(t *testing.T) {
	t.Parallel()

	provCQ := &stubCQ{}
	ch := &stubChannel{cq: provCQ}
	cq := &CQ{cq: provCQ, ch: ch, ownsChannel: true}

	if err := cq.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !ch.closed {
		t.Error("owned channel not closed with the CQ")
	}

	shared := &stubChannel{cq: provCQ}
	cq = &CQ{cq: &stubCQ{}, ch: shared, ownsChannel: false}
	if err := cq.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if shared.closed {
		t.Error("shared channel closed by a CQ that does not own it")
	}
}
