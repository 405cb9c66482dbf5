package commands

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorpma/rpma"
	"github.com/dantte-lp/gorpma/verbs"
)

// Work-request ids for the ping round trip.
const (
	wridPingSend uint64 = iota + 1
	wridPingRecv
)

// maxPingSize bounds the probe to one echo inbox slot on the server.
const maxPingSize = 512

var (
	pingCount int
	pingSize  int
)

// pingCmd measures two-sided round-trip time: each probe is sent to
// the server's echo loop and must come back byte-identical.
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure send/receive round-trip time against the echo loop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if pingSize <= 0 || pingSize > maxPingSize {
			return fmt.Errorf("ping: size must be in (0, %d]: %w", maxPingSize, rpma.ErrInval)
		}
		if pingCount <= 0 {
			return fmt.Errorf("ping: count must be positive: %w", rpma.ErrInval)
		}
		return withSession(cmd.Context(), runPing)
	},
}

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 4, "number of probes")
	pingCmd.Flags().IntVar(&pingSize, "size", 56, "probe size in bytes")
	addSessionFlags(pingCmd)
	rootCmd.AddCommand(pingCmd)
}

// runPing sends pingCount probes and waits for each echo.
func runPing(s *session) error {
	out := make([]byte, pingSize)
	for i := range out {
		out[i] = byte(i)
	}
	src, err := s.peer.RegisterMR(out, rpma.UsageSend)
	if err != nil {
		return fmt.Errorf("register probe source: %w", err)
	}
	defer src.Close()

	in := make([]byte, pingSize)
	dst, err := s.peer.RegisterMR(in, rpma.UsageRecv)
	if err != nil {
		return fmt.Errorf("register probe destination: %w", err)
	}
	defer dst.Close()

	for i := 0; i < pingCount; i++ {
		clear(in)

		if err := s.conn.Recv(dst, 0, uint64(pingSize),
			rpma.CompletionAlways, wridPingRecv); err != nil {
			return fmt.Errorf("post probe receive: %w", err)
		}

		start := time.Now()
		if err := s.conn.Send(src, 0, uint64(pingSize),
			rpma.CompletionAlways, wridPingSend); err != nil {
			return fmt.Errorf("post probe send: %w", err)
		}

		if err := awaitPair(s.conn, wridPingSend, wridPingRecv); err != nil {
			return err
		}
		rtt := time.Since(start)

		if !bytes.Equal(in, out) {
			return fmt.Errorf("probe %d came back corrupted: %w", i, rpma.ErrUnknown)
		}

		s.logger.Info("pong",
			slog.Int("seq", i),
			slog.Int("bytes", pingSize),
			slog.Duration("rtt", rtt),
		)
	}
	return nil
}

// awaitPair waits until both work-request ids have completed
// successfully on the connection's main CQ.
func awaitPair(conn *rpma.Conn, a, b uint64) error {
	need := map[uint64]bool{a: true, b: true}
	cq := conn.CQ()
	wcs := make([]verbs.WorkCompletion, 2)

	for len(need) > 0 {
		if err := cq.Wait(); err != nil && !errors.Is(err, rpma.ErrNoCompletion) {
			return fmt.Errorf("await probe completion: %w", err)
		}
		for {
			n, err := cq.Poll(wcs)
			if err != nil {
				if errors.Is(err, rpma.ErrNoCompletion) {
					break
				}
				return fmt.Errorf("await probe completion: %w", err)
			}
			for _, wc := range wcs[:n] {
				if wc.Status != verbs.StatusSuccess {
					return fmt.Errorf("work request %d completed with %s: %w",
						wc.WRID, wc.Status, rpma.ErrUnknown)
				}
				delete(need, wc.WRID)
			}
		}
	}
	return nil
}
