// Package server implements the gorpmad remote-memory serving loop: it
// registers a memory pool for remote access, listens for incoming
// connections, ships the pool's descriptor and the peer configuration
// in connection private data, and serves each connection until it
// closes — draining its event stream and echoing two-sided messages
// back to the sender.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dantte-lp/gorpma/internal/config"
	rpmametrics "github.com/dantte-lp/gorpma/internal/metrics"
	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
)

// poolUsage is the usage the served pool is registered with: clients
// read, write, atomically write, and flush it.
const poolUsage = rpma.UsageReadSrc | rpma.UsageWriteDst |
	rpma.UsageAtomicWriteDst | rpma.UsageFlushVisibility | rpma.UsageFlushPersistent

// Echo inbox geometry: each established connection keeps echoSlots
// receives of echoSlotSize bytes posted; a message landing in a slot is
// sent straight back and the slot is reposted.
const (
	echoSlots    = 8
	echoSlotSize = 512
)

// Server owns the served pool, its registration, and the listening
// endpoint.
type Server struct {
	peer      *rpma.Peer
	pool      []byte
	poolMR    *rpma.LocalMR
	ep        *rpma.Endpoint
	connCfg   rpma.ConnConfig
	pdata     []byte
	logger    *slog.Logger
	collector *rpmametrics.Collector

	wg sync.WaitGroup
}

// New registers the pool and starts listening. The collector may be nil.
func New(peer *rpma.Peer, cfg *config.Config, logger *slog.Logger,
	collector *rpmametrics.Collector) (*Server, error) {

	pool := make([]byte, cfg.Memory.PoolSize)
	poolMR, err := peer.RegisterMR(pool, poolUsage)
	if err != nil {
		return nil, fmt.Errorf("register pool: %w", err)
	}

	ep, err := peer.Listen(cfg.Listen.Addr, cfg.Listen.Port)
	if err != nil {
		if cerr := poolMR.Close(); cerr != nil {
			logger.Warn("pool deregistration failed",
				slog.String("error", cerr.Error()),
			)
		}
		return nil, fmt.Errorf("listen on %s:%s: %w", cfg.Listen.Addr, cfg.Listen.Port, err)
	}

	// Private data shipped on accept: pool descriptor followed by the
	// peer configuration blob.
	pdata := make([]byte, rpma.DescriptorSize+rpma.PeerCfgSize)
	if _, err := poolMR.MarshalDescriptor(pdata); err != nil {
		_ = ep.Close()
		_ = poolMR.Close()
		return nil, fmt.Errorf("marshal pool descriptor: %w", err)
	}
	pcfgBlob, err := rpma.PeerCfg{
		DirectWriteToPmem: cfg.Memory.DirectWriteToPmem,
	}.MarshalBinary()
	if err != nil {
		_ = ep.Close()
		_ = poolMR.Close()
		return nil, fmt.Errorf("marshal peer configuration: %w", err)
	}
	copy(pdata[rpma.DescriptorSize:], pcfgBlob)

	return &Server{
		peer:   peer,
		pool:   pool,
		poolMR: poolMR,
		ep:     ep,
		connCfg: rpma.ConnConfig{
			Timeout: cfg.Conn.Timeout,
			SQSize:  cfg.Conn.SQSize,
			RQSize:  cfg.Conn.RQSize,
			CQSize:  cfg.Conn.CQSize,
			RCQSize: cfg.Conn.RCQSize,
		},
		pdata:     pdata,
		logger:    logger,
		collector: collector,
	}, nil
}

// Run accepts connections until ctx is cancelled. Each accepted
// connection is served on its own goroutine; Run returns after the
// endpoint shuts down, and Close waits for the connection goroutines.
func (s *Server) Run(ctx context.Context) error {
	// Unblock NextConnReq on cancellation by shutting the endpoint down.
	stop := context.AfterFunc(ctx, func() {
		if err := s.ep.Close(); err != nil {
			s.logger.Warn("endpoint shutdown failed",
				slog.String("error", err.Error()),
			)
		}
	})
	defer stop()

	cfg := s.connCfg
	for {
		req, err := s.ep.NextConnReq(&cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, rpma.ErrUnhandledEvent) || errors.Is(err, rpma.ErrNoEvent) {
				continue
			}
			return fmt.Errorf("accept connection request: %w", err)
		}

		// The echo inbox is registered and its receives pre-posted on
		// the half-formed connection, so a message arriving right after
		// establishment already finds a receive.
		inbox, err := s.newInbox(req)
		if err != nil {
			s.logger.Warn("echo inbox setup failed",
				slog.String("error", err.Error()),
			)
			if cerr := req.Close(); cerr != nil {
				s.logger.Warn("request teardown failed",
					slog.String("error", cerr.Error()),
				)
			}
			continue
		}

		conn, err := req.Connect(s.pdata)
		if err != nil {
			s.logger.Warn("connection establishment failed",
				slog.String("error", err.Error()),
			)
			if cerr := inbox.Close(); cerr != nil {
				s.logger.Warn("echo inbox deregistration failed",
					slog.String("error", cerr.Error()),
				)
			}
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn, inbox)
	}
}

// newInbox registers the echo inbox and pre-posts one receive per slot
// on the half-formed connection.
func (s *Server) newInbox(req *rpma.ConnReq) (*rpma.LocalMR, error) {
	mr, err := s.peer.RegisterMR(make([]byte, echoSlots*echoSlotSize),
		rpma.UsageRecv|rpma.UsageSend)
	if err != nil {
		return nil, fmt.Errorf("register echo inbox: %w", err)
	}

	for slot := uint64(0); slot < echoSlots; slot++ {
		if err := req.Recv(mr, slot*echoSlotSize, echoSlotSize, slot); err != nil {
			if cerr := mr.Close(); cerr != nil {
				s.logger.Warn("echo inbox deregistration failed",
					slog.String("error", cerr.Error()),
				)
			}
			return nil, fmt.Errorf("pre-post echo receive: %w", err)
		}
	}
	return mr, nil
}

// serveConn drains the connection's event stream until it closes,
// while the echo goroutine answers the connection's two-sided traffic.
func (s *Server) serveConn(conn *rpma.Conn, inbox *rpma.LocalMR) {
	defer s.wg.Done()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		s.echo(conn, inbox)
	}()

	established := false
	for {
		ev, err := conn.NextEvent()
		if err != nil {
			if errors.Is(err, rpma.ErrUnhandledEvent) {
				continue
			}
			s.logger.Warn("connection event stream failed",
				slog.String("error", err.Error()),
			)
			break
		}

		if s.collector != nil {
			s.collector.RecordConnectionEvent(ev.String())
		}

		switch ev {
		case rpma.ConnEstablished:
			established = true
			if s.collector != nil {
				s.collector.RegisterConnection("passive")
			}
			s.logger.Info("connection established")
		case rpma.ConnClosed:
			if established && s.collector != nil {
				s.collector.UnregisterConnection("passive")
			}
			s.logger.Info("connection closed")
		default:
			s.logger.Info("connection event", slog.String("event", ev.String()))
		}

		if ev == rpma.ConnClosed {
			break
		}
	}

	if err := conn.Close(); err != nil {
		s.logger.Warn("connection teardown failed",
			slog.String("error", err.Error()),
		)
	}

	// Teardown invalidated the completion queue; wait for the echo
	// goroutine to observe it before releasing the inbox.
	<-echoDone
	if err := inbox.Close(); err != nil {
		s.logger.Warn("echo inbox deregistration failed",
			slog.String("error", err.Error()),
		)
	}
}

// echo answers the connection's two-sided traffic: every message
// landing in an inbox slot is sent straight back and the slot is
// reposted. It is the connection's only completion-queue poller and
// exits when teardown invalidates the queue.
func (s *Server) echo(conn *rpma.Conn, inbox *rpma.LocalMR) {
	cq := conn.CQ()
	wcs := make([]verbs.WorkCompletion, echoSlots)
	for {
		if err := cq.Wait(); err != nil {
			if errors.Is(err, rpma.ErrNoCompletion) {
				continue
			}
			// Teardown closed the channel out from under us.
			return
		}
		for {
			n, err := cq.Poll(wcs)
			if err != nil {
				if errors.Is(err, rpma.ErrNoCompletion) {
					break
				}
				return
			}
			for _, wc := range wcs[:n] {
				if wc.Opcode != verbs.OpRecv || wc.Status != verbs.StatusSuccess {
					continue
				}
				s.echoBack(conn, inbox, wc)
			}
		}
	}
}

// echoBack sends one received message back and reposts its slot.
func (s *Server) echoBack(conn *rpma.Conn, mr *rpma.LocalMR, wc verbs.WorkCompletion) {
	offset := wc.WRID * echoSlotSize
	if err := conn.Send(mr, offset, uint64(wc.ByteLen),
		rpma.CompletionOnError, wc.WRID); err != nil {
		s.logger.Warn("echo send failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := conn.Recv(mr, offset, echoSlotSize,
		rpma.CompletionAlways, wc.WRID); err != nil {
		s.logger.Warn("echo receive repost failed",
			slog.String("error", err.Error()),
		)
	}
}

// Pool returns the served pool's backing memory. Test introspection.
func (s *Server) Pool() []byte {
	return s.pool
}

// Close releases the endpoint, waits for connection goroutines, and
// deregisters the pool. Every step runs; the first error wins.
func (s *Server) Close() error {
	err := s.ep.Close()
	s.wg.Wait()
	if merr := s.poolMR.Close(); merr != nil && err == nil {
		err = merr
	}
	return err
}
