package rpma_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// -------------------------------------------------------------------------
// Establishment Helpers
// -------------------------------------------------------------------------

// testAddr/testPort locate the listening endpoint on the loopback
// fabric.
const (
	testAddr = "127.0.0.1"
	testPort = "1234"
)

// pair is a fully established client/server connection pair sharing one
// loopback provider.
type pair struct {
	prov       *loopback.Provider
	serverPeer *rpma.Peer
	clientPeer *rpma.Peer
	server     *rpma.Conn
	client     *rpma.Conn
}

// establishPair builds a listening endpoint, dials it, accepts, and
// drives both sides to Established. serverPdata is shipped on accept;
// clientPdata on connect.
func establishPair(t *testing.T, clientPdata, serverPdata []byte,
	cfg *rpma.ConnConfig, opts ...loopback.Option) *pair {
	t.Helper()

	prov := loopback.New(opts...)
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	creq, err := clientPeer.NewConnReq(testAddr, testPort, cfg)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(clientPdata)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}

	sreq, err := ep.NextConnReq(cfg)
	if err != nil {
		t.Fatalf("NextConnReq() error: %v", err)
	}
	server, err := sreq.Connect(serverPdata)
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
	})

	return &pair{
		prov:       prov,
		serverPeer: serverPeer,
		clientPeer: clientPeer,
		server:     server,
		client:     client,
	}
}

// peerOn creates a peer on an existing provider.
func peerOn(t *testing.T, prov *loopback.Provider) *rpma.Peer {
	t.Helper()

	dev, err := prov.OpenDevice(testAddr)
	if err != nil {
		t.Fatalf("OpenDevice() error: %v", err)
	}
	peer, err := rpma.NewPeer(prov, dev)
	if err != nil {
		t.Fatalf("NewPeer() error: %v", err)
	}
	t.Cleanup(func() {
		if cerr := peer.Close(); cerr != nil {
			t.Errorf("peer Close() error: %v", cerr)
		}
	})
	return peer
}

// expectEvent asserts the next connection event.
func expectEvent(t *testing.T, conn *rpma.Conn, want rpma.ConnEvent) {
	t.Helper()

	ev, err := conn.NextEvent()
	if err != nil {
		t.Fatalf("NextEvent() error: %v", err)
	}
	if ev != want {
		t.Fatalf("NextEvent() = %s, want %s", ev, want)
	}
}

// -------------------------------------------------------------------------
// TestIncomingConnection — listen, accept, private data capture
// -------------------------------------------------------------------------

func TestIncomingConnection(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ep.Close()

	hello := []byte("Hello server!")

	creq, err := clientPeer.NewConnReq(testAddr, testPort, nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(hello)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}
	defer client.Close()

	sreq, err := ep.NextConnReq(nil)
	if err != nil {
		t.Fatalf("NextConnReq() error: %v", err)
	}

	// The connect-request event shipped the client's private data.
	if got := string(sreq.PrivateData()); got != string(hello) {
		t.Errorf("request PrivateData() = %q, want %q", got, hello)
	}

	server, err := sreq.Connect(nil)
	if err != nil {
		t.Fatalf("server Connect() error: %v", err)
	}
	defer server.Close()

	expectEvent(t, server, rpma.ConnEstablished)
	expectEvent(t, client, rpma.ConnEstablished)

	// The captured private data stays readable on the connection.
	if got := string(server.PrivateData()); got != string(hello) {
		t.Errorf("connection PrivateData() = %q, want %q", got, hello)
	}
	// The server shipped nothing back.
	if client.PrivateData() != nil {
		t.Errorf("client PrivateData() = %q, want none", client.PrivateData())
	}
}

// -------------------------------------------------------------------------
// TestOutgoingConnectionPrivateData — accept-side data reaches the dialer
// -------------------------------------------------------------------------

func TestOutgoingConnectionPrivateData(t *testing.T) {
	t.Parallel()

	reply := []byte("pool descriptor goes here")
	p := establishPair(t, []byte("Hello server!"), reply, nil)

	if got := string(p.client.PrivateData()); got != string(reply) {
		t.Errorf("client PrivateData() = %q, want %q", got, reply)
	}
}

// -------------------------------------------------------------------------
// TestConnectConsumesRequest
// -------------------------------------------------------------------------

func TestConnectConsumesRequest(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ep.Close()

	creq, err := clientPeer.NewConnReq(testAddr, testPort, nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	// The request is consumed: a second connect refuses, and closing the
	// consumed request is a no-op success.
	if _, err := creq.Connect(nil); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("second Connect() = %v, want ErrInval", err)
	}
	if err := creq.Close(); err != nil {
		t.Errorf("Close() after Connect() = %v, want nil", err)
	}
}

// -------------------------------------------------------------------------
// TestConnReqCloseRejects — abandoning an incoming request
// -------------------------------------------------------------------------

func TestConnReqCloseRejects(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ep.Close()

	creq, err := clientPeer.NewConnReq(testAddr, testPort, nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(nil)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}
	defer client.Close()

	sreq, err := ep.NextConnReq(nil)
	if err != nil {
		t.Fatalf("NextConnReq() error: %v", err)
	}
	if err := sreq.Close(); err != nil {
		t.Fatalf("request Close() error: %v", err)
	}

	expectEvent(t, client, rpma.ConnRejected)
}

// -------------------------------------------------------------------------
// TestConnReqPrePostedRecv — receives posted before establishment
// -------------------------------------------------------------------------

func TestConnReqPrePostedRecv(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	serverPeer := peerOn(t, prov)
	clientPeer := peerOn(t, prov)

	ep, err := serverPeer.Listen(testAddr, testPort)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ep.Close()

	creq, err := clientPeer.NewConnReq(testAddr, testPort, nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(nil)
	if err != nil {
		t.Fatalf("client Connect() error: %v", err)
	}
	defer client.Close()

	sreq, err := ep.NextConnReq(nil)
	if err != nil {
		t.Fatalf("NextConnReq() error: %v", err)
	}

	// Post the receive on the half-formed connection, before accept.
	inbox := make([]byte, 32)
	dst, err := serverPeer.RegisterMR(inbox, rpma.UsageRecv)
	if err != nil {
		t.Fatalf("RegisterMR(inbox) error: %v", err)
	}
	defer dst.Close()

	if err := sreq.Recv(nil, 8, 0, 1); !errors.Is(err, rpma.ErrInval) {
		t.Errorf("Recv(nil, offset 8) = %v, want ErrInval", err)
	}
	if err := sreq.Recv(dst, 0, 32, 700); err != nil {
		t.Fatalf("pre-post Recv() error: %v", err)
	}

	server, err := sreq.Connect(nil)
	if err != nil {
		t.Fatalf("server Connect() error: %v", err)
	}
	defer server.Close()

	expectEvent(t, client, rpma.ConnEstablished)
	expectEvent(t, server, rpma.ConnEstablished)

	// The message sent right after establishment finds the pre-posted
	// receive.
	msg := []byte("early bird")
	src, err := clientPeer.RegisterMR(msg, rpma.UsageSend)
	if err != nil {
		t.Fatalf("RegisterMR(msg) error: %v", err)
	}
	defer src.Close()

	if err := client.Send(src, 0, uint64(len(msg)), rpma.CompletionAlways, 701); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	wc := make([]verbs.WorkCompletion, 1)
	n, err := server.CQ().Poll(wc)
	if err != nil || n != 1 {
		t.Fatalf("Poll() = (%d, %v), want (1, nil)", n, err)
	}
	if wc[0].WRID != 700 || wc[0].Opcode != verbs.OpRecv {
		t.Errorf("completion = (wrid %d, %s), want (700, Recv)", wc[0].WRID, wc[0].Opcode)
	}
	if string(inbox[:len(msg)]) != string(msg) {
		t.Errorf("inbox = %q, want %q", inbox[:len(msg)], msg)
	}
}

// -------------------------------------------------------------------------
// TestConnectUnreachable — no listener at the destination
// -------------------------------------------------------------------------

func TestConnectUnreachable(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	clientPeer := peerOn(t, prov)

	creq, err := clientPeer.NewConnReq(testAddr, "9999", nil)
	if err != nil {
		t.Fatalf("NewConnReq() error: %v", err)
	}
	client, err := creq.Connect(nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	expectEvent(t, client, rpma.ConnUnreachable)
}

// -------------------------------------------------------------------------
// TestDisconnect — symmetric teardown, idempotent after CLOSED
// -------------------------------------------------------------------------

func TestDisconnect(t *testing.T) {
	t.Parallel()

	p := establishPair(t, nil, nil, nil)

	if err := p.client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}

	expectEvent(t, p.client, rpma.ConnClosed)
	expectEvent(t, p.server, rpma.ConnClosed)

	// After observing CLOSED, disconnect is a no-op success.
	if err := p.client.Disconnect(); err != nil {
		t.Errorf("Disconnect() after CLOSED = %v, want nil", err)
	}
	if err := p.server.Disconnect(); err != nil {
		t.Errorf("server Disconnect() after CLOSED = %v, want nil", err)
	}
}

// -------------------------------------------------------------------------
// TestConnReqArguments
// -------------------------------------------------------------------------

func TestConnReqArguments(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	peer := peerOn(t, prov)

	tests := []struct {
		name string
		addr string
		port string
	}{
		{"empty address", "", testPort},
		{"empty port", testAddr, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := peer.NewConnReq(tt.addr, tt.port, nil); !errors.Is(err, rpma.ErrInval) {
				t.Errorf("NewConnReq(%q, %q) = %v, want ErrInval", tt.addr, tt.port, err)
			}
		})
	}

	t.Run("negative timeout", func(t *testing.T) {
		cfg := rpma.DefaultConnConfig()
		cfg.Timeout = -1
		if _, err := peer.NewConnReq(testAddr, testPort, &cfg); !errors.Is(err, rpma.ErrNegativeTimeout) {
			t.Errorf("NewConnReq(negative timeout) = %v, want ErrNegativeTimeout", err)
		}
	})
}
