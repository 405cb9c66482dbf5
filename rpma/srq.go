package rpma

import (
	"fmt"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Shared Receive Queue
// -------------------------------------------------------------------------

// SRQ is a receive queue shared by every connection that binds it in
// its configuration. Receives posted here are matched by sends arriving
// on any bound connection; callers demultiplex completions by
// work-request id. Recv may be called concurrently.
//
// The SRQ must outlive the connections bound to it.
type SRQ struct {
	srq verbs.SRQ
	rcq *CQ
}

// NewSRQ creates a shared receive queue. When cfg.RCQSize is greater
// than zero the SRQ creates and owns a private receive CQ (with its own
// channel); connections binding the SRQ then use that CQ for receive
// completions.
func (p *Peer) NewSRQ(cfg SRQConfig) (*SRQ, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var rcq *CQ
	if cfg.RCQSize > 0 {
		var err error
		rcq, err = newCQ(p.ctx, cfg.RCQSize, nil)
		if err != nil {
			return nil, err
		}
	}

	srq, err := p.pd.CreateSRQ(cfg.RQSize)
	if err != nil {
		if rcq != nil {
			_ = rcq.Close()
		}
		return nil, providerErr("create shared receive queue", err)
	}

	return &SRQ{srq: srq, rcq: rcq}, nil
}

// Recv posts a receive to the shared queue. A nil mr posts a
// zero-length receive that carries only the work-request id; offset and
// length must then be zero.
func (s *SRQ) Recv(mr *LocalMR, offset, length uint64, wrID uint64) error {
	if mr == nil && (offset != 0 || length != 0) {
		return fmt.Errorf("post SRQ receive: nil region with nonzero window: %w", ErrInval)
	}
	var provMR verbs.MR
	if mr != nil {
		if offset+length > mr.Length() {
			return fmt.Errorf("post SRQ receive: window outside region: %w", ErrInval)
		}
		provMR = mr.mr
	}
	if err := s.srq.PostRecv(wrID, provMR, offset, length); err != nil {
		return providerErr("post SRQ receive", err)
	}
	return nil
}

// RCQ returns the SRQ's owned receive CQ, nil when the SRQ was
// configured without one.
func (s *SRQ) RCQ() *CQ {
	return s.rcq
}

// Close destroys the owned receive CQ, then the provider SRQ. A failure
// in either step does not prevent the other; the first error wins.
func (s *SRQ) Close() error {
	var err error
	if s.rcq != nil {
		err = s.rcq.Close()
	}
	if serr := s.srq.Destroy(); serr != nil && err == nil {
		err = providerErr("destroy shared receive queue", serr)
	}
	return err
}
