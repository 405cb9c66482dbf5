package rpma_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// -------------------------------------------------------------------------
// SRQ Helpers
// -------------------------------------------------------------------------

// establishWithSRQ builds a server-side SRQ and an established pair
// whose server connection binds it.
func establishWithSRQ(t *testing.T, srqCfg rpma.SRQConfig) (*pair, *rpma.SRQ) {
	t.Helper()

	prov := loopback.New()
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	srq, err := serverPeer.NewSRQ(srqCfg)
	if err != nil {
		t.Fatalf("NewSRQ() error: %v", err)
	}

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	creq, err := clientPeer.NewConnReq(testAddr, testPort, nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(nil)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}

	srvCfg := rpma.DefaultConnConfig()
	srvCfg.SRQ = srq
	sreq, err := ep.NextConnReq(&srvCfg)
	if err != nil {
		t.Fatalf("NextConnReq() error: %v", err)
	}
	server, err := sreq.Connect(nil)
	if err != nil {
		t.Fatalf("server Connect() error: %v", err)
	}

	expectEvent(t, client, rpma.ConnEstablished)
	expectEvent(t, server, rpma.ConnEstablished)

	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Errorf("client Close() error: %v", cerr)
		}
		if cerr := server.Close(); cerr != nil {
			t.Errorf("server Close() error: %v", cerr)
		}
		if cerr := srq.Close(); cerr != nil {
			t.Errorf("SRQ Close() error: %v", cerr)
		}
	})

	return &pair{
		prov:       prov,
		serverPeer: serverPeer,
		clientPeer: clientPeer,
		server:     server,
		client:     client,
	}, srq
}

// -------------------------------------------------------------------------
// TestSRQReceive — receives posted on the SRQ match connection sends
// -------------------------------------------------------------------------

func TestSRQReceive(t *testing.T) {
	t.Parallel()

	p, srq := establishWithSRQ(t, rpma.DefaultSRQConfig())

	// The connection borrows the SRQ's receive CQ.
	if p.server.RCQ() != srq.RCQ() {
		t.Fatal("server RCQ() is not the SRQ's receive CQ")
	}

	inbox := make([]byte, 32)
	dst, err := p.serverPeer.RegisterMR(inbox, rpma.UsageRecv)
	if err != nil {
		t.Fatalf("RegisterMR(inbox) error: %v", err)
	}
	defer dst.Close()

	if err := srq.Recv(dst, 0, 32, 500); err != nil {
		t.Fatalf("SRQ Recv() error: %v", err)
	}

	msg := []byte("via srq")
	src, err := p.clientPeer.RegisterMR(msg, rpma.UsageSend)
	if err != nil {
		t.Fatalf("RegisterMR(msg) error: %v", err)
	}
	defer src.Close()

	if err := p.client.Send(src, 0, uint64(len(msg)), rpma.CompletionAlways, 501); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	wc := make([]verbs.WorkCompletion, 1)
	n, err := srq.RCQ().Poll(wc)
	if err != nil || n != 1 {
		t.Fatalf("SRQ RCQ Poll() = (%d, %v), want (1, nil)", n, err)
	}
	if wc[0].WRID != 500 || wc[0].Opcode != verbs.OpRecv {
		t.Errorf("SRQ completion = (wrid %d, %s), want (500, Recv)", wc[0].WRID, wc[0].Opcode)
	}
	if !bytes.Equal(inbox[:len(msg)], msg) {
		t.Errorf("inbox = %q, want %q", inbox[:len(msg)], msg)
	}
}

// -------------------------------------------------------------------------
// TestSRQZeroLengthReceive — nil region carries only the work-request id
// -------------------------------------------------------------------------

func TestSRQZeroLengthReceive(t *testing.T) {
	t.Parallel()

	p, srq := establishWithSRQ(t, rpma.DefaultSRQConfig())

	if err := srq.Recv(nil, 0, 0, 600); err != nil {
		t.Fatalf("SRQ Recv(nil) error: %v", err)
	}

	// Zero-length send matches the zero-length receive.
	if err := p.client.Send(nil, 0, 0, rpma.CompletionAlways, 601); err != nil {
		t.Fatalf("Send(zero length) error: %v", err)
	}

	wc := make([]verbs.WorkCompletion, 1)
	n, err := srq.RCQ().Poll(wc)
	if err != nil || n != 1 {
		t.Fatalf("SRQ RCQ Poll() = (%d, %v), want (1, nil)", n, err)
	}
	if wc[0].WRID != 600 || wc[0].ByteLen != 0 {
		t.Errorf("completion = (wrid %d, len %d), want (600, 0)", wc[0].WRID, wc[0].ByteLen)
	}

	// A nil region with a nonzero window is refused.
	if err := srq.Recv(nil, 0, 8, 602); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("SRQ Recv(nil, len 8) = %v, want ErrInval", err)
	}
	if err := srq.Recv(nil, 8, 0, 603); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("SRQ Recv(nil, offset 8) = %v, want ErrInval", err)
	}
}

// -------------------------------------------------------------------------
// TestSRQWithoutReceiveCQ
// -------------------------------------------------------------------------

func TestSRQWithoutReceiveCQ(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	peer := peerOn(t, prov)

	srq, err := peer.NewSRQ(rpma.SRQConfig{RQSize: 10})
	if err != nil {
		t.Fatalf("NewSRQ() error: %v", err)
	}
	defer srq.Close()

	if srq.RCQ() != nil {
		t.Error("RCQ() != nil with rcq_size 0")
	}
}

// -------------------------------------------------------------------------
// TestSRQConfigValidation
// -------------------------------------------------------------------------

func TestSRQConfigValidation(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	peer := peerOn(t, prov)

	if _, err := peer.NewSRQ(rpma.SRQConfig{RQSize: 0}); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("NewSRQ(rq_size 0) = %v, want ErrInval", err)
	}
	if _, err := peer.NewSRQ(rpma.SRQConfig{RQSize: 10, RCQSize: -1}); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("NewSRQ(rcq_size -1) = %v, want ErrInval", err)
	}
}

// -------------------------------------------------------------------------
// TestSharedChannelSRQMutualExclusion
// -------------------------------------------------------------------------

func TestSharedChannelSRQMutualExclusion(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	peer := peerOn(t, prov)

	srq, err := peer.NewSRQ(rpma.DefaultSRQConfig())
	if err != nil {
		t.Fatalf("NewSRQ() error: %v", err)
	}
	defer srq.Close()

	cfg := rpma.DefaultConnConfig()
	cfg.SharedCompChannel = true
	cfg.SRQ = srq

	// The SRQ's own receive CQ supersedes the shared-channel scheme:
	// the combination is refused before any resource is allocated.
	if _, err := peer.NewConnReq(testAddr, testPort, &cfg); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("NewConnReq(shared channel + SRQ rcq) = %v, want ErrInval", err)
	}

	// An SRQ without a receive CQ composes with the shared channel.
	bare, err := peer.NewSRQ(rpma.SRQConfig{RQSize: 10})
	if err != nil {
		t.Fatalf("NewSRQ(no rcq) error: %v", err)
	}
	defer bare.Close()

	cfg.SRQ = bare
	cfg.RCQSize = 10
	req, err := peer.NewConnReq(testAddr, testPort, &cfg)
	if err != nil {
		t.Fatalf("NewConnReq(shared channel + bare SRQ) error: %v", err)
	}
	if err := req.Close(); err != nil {
		t.Errorf("request Close() error: %v", err)
	}
}
