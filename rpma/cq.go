package rpma

import (
	"fmt"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Completion Queue
// -------------------------------------------------------------------------

// CQ wraps a provider completion queue together with its completion
// channel. The channel is either owned (created and destroyed with the
// CQ) or shared (supplied by the caller so one goroutine can multiplex
// waits across several CQs).
//
// A CQ is safe under single-poller discipline: at most one goroutine
// may call Wait or Poll on a given CQ at a time.
type CQ struct {
	cq          verbs.CQ
	ch          verbs.CompChannel
	ownsChannel bool
}

// newCQ creates a completion queue of the given depth. When shared is
// nil the CQ creates and owns its channel. The CQ is armed for the next
// notification before it is returned.
func newCQ(ctx verbs.Context, depth int, shared verbs.CompChannel) (*CQ, error) {
	ch := shared
	owns := false
	if ch == nil {
		var err error
		ch, err = ctx.CreateCompChannel()
		if err != nil {
			return nil, providerErr("create completion channel", err)
		}
		owns = true
	}

	cq, err := ctx.CreateCQ(depth, ch)
	if err != nil {
		if owns {
			_ = ch.Close()
		}
		return nil, providerErr("create completion queue", err)
	}

	if err := cq.ReqNotify(); err != nil {
		_ = cq.Destroy()
		if owns {
			_ = ch.Close()
		}
		return nil, providerErr("arm completion queue", err)
	}

	return &CQ{cq: cq, ch: ch, ownsChannel: owns}, nil
}

// Wait blocks on the completion channel until a notification for this
// CQ arrives, acknowledges it, and re-arms the CQ. After a successful
// Wait the caller drains the CQ with Poll.
//
// Returns ErrNoCompletion when the channel returns without an event for
// this CQ.
func (c *CQ) Wait() error {
	evCQ, err := c.ch.GetEvent()
	if err != nil {
		if verbs.IsAgain(err) {
			return fmt.Errorf("wait for completion: %w", ErrNoCompletion)
		}
		return providerErr("get completion event", err)
	}
	if evCQ != c.cq {
		return fmt.Errorf("wait for completion: event for a different queue: %w",
			ErrNoCompletion)
	}

	c.cq.Ack(1)

	if err := c.cq.ReqNotify(); err != nil {
		return providerErr("re-arm completion queue", err)
	}
	return nil
}

// Poll drains up to len(wc) work completions into wc and returns the
// number retrieved. The provider's completion records are copied
// verbatim; the caller interprets status and opcode.
//
// Returns ErrNoCompletion when the CQ is empty. A provider reporting
// more completions than requested yields ErrUnknown with a zero count;
// no entries are visible to the caller, and the behavior is otherwise
// undefined — size the buffer for the expected batch instead of
// retrying.
func (c *CQ) Poll(wc []verbs.WorkCompletion) (int, error) {
	if len(wc) == 0 {
		return 0, fmt.Errorf("poll completion queue: empty output buffer: %w", ErrInval)
	}

	n, err := c.cq.Poll(wc)
	if err != nil {
		return 0, providerErr("poll completion queue", err)
	}
	if n == 0 {
		return 0, ErrNoCompletion
	}
	if n > len(wc) {
		return 0, fmt.Errorf("poll completion queue: provider returned %d of %d requested: %w",
			n, len(wc), ErrUnknown)
	}
	return n, nil
}

// FD returns the completion channel's file descriptor for callers that
// bound their waits by polling externally.
func (c *CQ) FD() (int, error) {
	fd, err := c.ch.FD()
	if err != nil {
		return -1, providerErr("get completion channel fd", err)
	}
	return fd, nil
}

// Close destroys the provider CQ and then the owned channel, if any. A
// failure in one step does not prevent the other; the first error wins.
func (c *CQ) Close() error {
	err := c.cq.Destroy()
	if c.ownsChannel {
		if cerr := c.ch.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return providerErr("destroy completion queue", err)
	}
	return nil
}
