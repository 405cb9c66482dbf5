package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gorpma/internal/config"
	"github.com/dantte-lp/gorpma/internal/server"
	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// Session flags shared by every data command. The provider is process
// local, so each invocation serves its own pool and connects to it.
var (
	poolSize    int
	serveDirect bool
)

// addSessionFlags attaches the served-pool flags to a data command.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&poolSize, "pool", config.DefaultPoolSize,
		"served pool size in bytes")
	cmd.Flags().BoolVar(&serveDirect, "persistent", false,
		"serve the pool as direct-write-to-pmem")
}

// session is an established client connection with the served pool
// adopted from connection private data.
type session struct {
	logger *slog.Logger
	peer   *rpma.Peer
	conn   *rpma.Conn
	pool   *rpma.RemoteMR
}

// withSession starts an in-process gorpmad serving loop on the loopback
// provider, connects to it, adopts the served pool, runs fn, and tears
// everything down in order.
func withSession(ctx context.Context, fn func(s *session) error) error {
	logger := newLogger()
	prov := loopback.New()

	cfg := config.DefaultConfig()
	cfg.Memory.PoolSize = poolSize
	cfg.Memory.DirectWriteToPmem = serveDirect

	dev, err := prov.OpenDevice(cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	srvPeer, err := rpma.NewPeer(prov, dev, rpma.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server peer: %w", err)
	}
	defer srvPeer.Close()

	srv, err := server.New(srvPeer, cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	srvCtx, stopSrv := context.WithCancel(ctx)
	defer stopSrv()

	g, gCtx := errgroup.WithContext(srvCtx)
	g.Go(func() error {
		return srv.Run(gCtx)
	})

	err = runSession(prov, cfg, logger, fn)
	stopSrv()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// runSession connects to the serving loop, drives the connection to
// Established, adopts the served pool, and hands the session to fn.
func runSession(prov *loopback.Provider, cfg *config.Config, logger *slog.Logger,
	fn func(s *session) error) error {

	dev, err := prov.OpenDevice(cfg.Listen.Addr)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	peer, err := rpma.NewPeer(prov, dev, rpma.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create client peer: %w", err)
	}
	defer peer.Close()

	req, err := peer.NewConnReq(cfg.Listen.Addr, cfg.Listen.Port, nil)
	if err != nil {
		return fmt.Errorf("create connection request: %w", err)
	}

	conn, err := req.Connect(nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	ev, err := conn.NextEvent()
	if err != nil {
		return fmt.Errorf("wait for establishment: %w", err)
	}
	if ev != rpma.ConnEstablished {
		return fmt.Errorf("wait for establishment: got %s: %w", ev, rpma.ErrUnknown)
	}

	pool, err := adoptServedPool(conn)
	if err != nil {
		return err
	}
	logger.Debug("adopted served pool",
		slog.Uint64("size", pool.Size()),
		slog.String("usage", pool.Usage().String()),
	)

	if err := fn(&session{logger: logger, peer: peer, conn: conn, pool: pool}); err != nil {
		return err
	}

	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	for {
		ev, err := conn.NextEvent()
		if err != nil {
			if errors.Is(err, rpma.ErrUnhandledEvent) {
				continue
			}
			return fmt.Errorf("drain events: %w", err)
		}
		if ev == rpma.ConnClosed {
			return nil
		}
	}
}

// adoptServedPool unpacks the pool descriptor and the peer
// configuration from the connection's private data and applies the
// latter to the connection.
func adoptServedPool(conn *rpma.Conn) (*rpma.RemoteMR, error) {
	pdata := conn.PrivateData()
	if len(pdata) != rpma.DescriptorSize+rpma.PeerCfgSize {
		return nil, fmt.Errorf("private data: %d bytes, expected %d: %w",
			len(pdata), rpma.DescriptorSize+rpma.PeerCfgSize, rpma.ErrNoSupp)
	}

	pool, err := rpma.UnmarshalDescriptor(pdata[:rpma.DescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("unmarshal pool descriptor: %w", err)
	}
	pcfg, err := rpma.UnmarshalPeerCfg(pdata[rpma.DescriptorSize:])
	if err != nil {
		return nil, fmt.Errorf("unmarshal peer configuration: %w", err)
	}
	conn.ApplyRemotePeerCfg(pcfg)
	return pool, nil
}

// awaitCompletion waits for one successful completion with the given
// work-request id. Suitable for commands issuing one operation at a
// time.
func awaitCompletion(conn *rpma.Conn, wrID uint64) error {
	cq := conn.CQ()
	wc := make([]verbs.WorkCompletion, 1)
	for {
		if err := cq.Wait(); err != nil && !errors.Is(err, rpma.ErrNoCompletion) {
			return fmt.Errorf("await completion: %w", err)
		}
		n, err := cq.Poll(wc)
		if err != nil {
			if errors.Is(err, rpma.ErrNoCompletion) {
				continue
			}
			return fmt.Errorf("await completion: %w", err)
		}
		for i := 0; i < n; i++ {
			if wc[i].WRID != wrID {
				continue
			}
			if wc[i].Status != verbs.StatusSuccess {
				return fmt.Errorf("work request %d completed with %s: %w",
					wrID, wc[i].Status, rpma.ErrUnknown)
			}
			return nil
		}
	}
}
