package commands

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorpma/rpma"
)

// demoWRID values demultiplex the demo's completions.
const (
	wridDemoWrite uint64 = iota + 1
	wridDemoFlush
	wridDemoRead
)

var demoSize int

// demoCmd runs the complete exchange in one shot: write a payload into
// the served pool, flush it, read it back, and verify.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a write/flush/read exchange against an in-process server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), runDemo)
	},
}

func init() {
	demoCmd.Flags().IntVar(&demoSize, "size", 64, "payload size in bytes")
	addSessionFlags(demoCmd)
	rootCmd.AddCommand(demoCmd)
}

// runDemo writes the payload, flushes it, reads it back, and verifies.
func runDemo(s *session) error {
	payload := make([]byte, demoSize)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	src, err := s.peer.RegisterMR(payload, rpma.UsageWriteSrc)
	if err != nil {
		return fmt.Errorf("register source: %w", err)
	}
	defer src.Close()

	dst := make([]byte, demoSize)
	readBack, err := s.peer.RegisterMR(dst, rpma.UsageReadDst)
	if err != nil {
		return fmt.Errorf("register read-back destination: %w", err)
	}
	defer readBack.Close()

	start := time.Now()

	if err := s.conn.Write(s.pool, 0, src, 0, uint64(demoSize),
		rpma.CompletionAlways, wridDemoWrite); err != nil {
		return fmt.Errorf("post write: %w", err)
	}
	if err := awaitCompletion(s.conn, wridDemoWrite); err != nil {
		return err
	}

	ftype := rpma.FlushTypeVisibility
	if serveDirect {
		ftype = rpma.FlushTypePersistent
	}
	if err := s.conn.Flush(s.pool, 0, uint64(demoSize), ftype,
		rpma.CompletionAlways, wridDemoFlush); err != nil {
		return fmt.Errorf("post flush: %w", err)
	}
	if err := awaitCompletion(s.conn, wridDemoFlush); err != nil {
		return err
	}

	if err := s.conn.Read(readBack, 0, s.pool, 0, uint64(demoSize),
		rpma.CompletionAlways, wridDemoRead); err != nil {
		return fmt.Errorf("post read: %w", err)
	}
	if err := awaitCompletion(s.conn, wridDemoRead); err != nil {
		return err
	}

	if !bytes.Equal(dst, payload) {
		return fmt.Errorf("read-back mismatch: %w", rpma.ErrUnknown)
	}

	s.logger.Info("exchange verified",
		slog.Int("bytes", demoSize),
		slog.String("flush_type", ftype.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}
