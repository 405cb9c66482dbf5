package rpma_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// -------------------------------------------------------------------------
// TestSoftwareFlush — APM selection on devices without a flush verb
// -------------------------------------------------------------------------

func TestSoftwareFlush(t *testing.T) {
	t.Parallel()

	t.Run("persistent refused without direct write", func(t *testing.T) {
		t.Parallel()

		p := establishPair(t, nil, nil, nil)
		remote := exportPool(t, p, make([]byte, 128))

		err := p.client.Flush(remote, 0, 64, rpma.FlushTypePersistent,
			rpma.CompletionAlways, 1)
		if !errors.Is(err, rpma.ErrNoSupp) {
			t.Fatalf("Flush(persistent) = %v, want ErrNoSupp", err)
		}

		// No work request was issued.
		wc := make([]verbs.WorkCompletion, 1)
		if _, perr := p.client.CQ().Poll(wc); !errors.Is(perr, rpma.ErrNoCompletion) {
			t.Errorf("Poll() after refused flush = %v, want ErrNoCompletion", perr)
		}
	})

	t.Run("visibility always permitted", func(t *testing.T) {
		t.Parallel()

		p := establishPair(t, nil, nil, nil)
		remote := exportPool(t, p, make([]byte, 128))

		if err := p.client.Flush(remote, 0, 64, rpma.FlushTypeVisibility,
			rpma.CompletionAlways, 2); err != nil {
			t.Fatalf("Flush(visibility) error: %v", err)
		}

		// The emulation reads zero bytes from the target into the bounce
		// buffer; the completion carries the flush's work-request id.
		wc := pollOne(t, p.client.CQ())
		if wc.Status != verbs.StatusSuccess {
			t.Fatalf("flush completion status = %s, want Success", wc.Status)
		}
		if wc.Opcode != verbs.OpRead {
			t.Errorf("software flush completion opcode = %s, want Read", wc.Opcode)
		}
		if wc.WRID != 2 {
			t.Errorf("flush completion wrid = %d, want 2", wc.WRID)
		}
	})

	t.Run("persistent permitted after remote peer cfg", func(t *testing.T) {
		t.Parallel()

		p := establishPair(t, nil, nil, nil)
		remote := exportPool(t, p, make([]byte, 128))

		p.client.ApplyRemotePeerCfg(rpma.PeerCfg{DirectWriteToPmem: true})

		if err := p.client.Flush(remote, 0, 64, rpma.FlushTypePersistent,
			rpma.CompletionAlways, 3); err != nil {
			t.Fatalf("Flush(persistent, direct write) error: %v", err)
		}
		wc := pollOne(t, p.client.CQ())
		if wc.Status != verbs.StatusSuccess || wc.WRID != 3 {
			t.Errorf("flush completion = (%s, wrid %d), want (Success, 3)", wc.Status, wc.WRID)
		}
	})
}

// -------------------------------------------------------------------------
// TestNativeFlush — the native verb ignores the remote peer cfg
// -------------------------------------------------------------------------

func TestNativeFlush(t *testing.T) {
	t.Parallel()

	p := establishPair(t, nil, nil, nil, loopback.WithNativeFlush(true))
	remote := exportPool(t, p, make([]byte, 128))

	// No remote peer cfg applied: the native engine flushes to
	// persistence unconditionally.
	if err := p.client.Flush(remote, 0, 64, rpma.FlushTypePersistent,
		rpma.CompletionAlways, 4); err != nil {
		t.Fatalf("Flush(persistent, native) error: %v", err)
	}

	wc := pollOne(t, p.client.CQ())
	if wc.Status != verbs.StatusSuccess {
		t.Fatalf("flush completion status = %s, want Success", wc.Status)
	}
	if wc.Opcode != verbs.OpFlush {
		t.Errorf("native flush completion opcode = %s, want Flush", wc.Opcode)
	}
}

// -------------------------------------------------------------------------
// TestFlushArguments
// -------------------------------------------------------------------------

func TestFlushArguments(t *testing.T) {
	t.Parallel()

	p := establishPair(t, nil, nil, nil)
	remote := exportPool(t, p, make([]byte, 128))

	if err := p.client.Flush(nil, 0, 0, rpma.FlushTypeVisibility,
		rpma.CompletionAlways, 1); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("Flush(nil region) = %v, want ErrInval", err)
	}
	if err := p.client.Flush(remote, 0, 64, rpma.FlushType(9),
		rpma.CompletionAlways, 1); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("Flush(bad type) = %v, want ErrInval", err)
	}
	if err := p.client.Flush(remote, 120, 64, rpma.FlushTypeVisibility,
		rpma.CompletionAlways, 1); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("Flush(window past end) = %v, want ErrInval", err)
	}
}
