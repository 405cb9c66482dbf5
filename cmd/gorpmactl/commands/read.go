package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorpma/rpma"
)

// wridRead tags the read command's single work request.
const wridRead uint64 = 1

var (
	readOffset uint64
	readLength uint64
)

// readCmd reads a window of the served pool and hex-dumps it.
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a window of the served pool and hex-dump it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			if readLength == 0 {
				return fmt.Errorf("read: zero length: %w", rpma.ErrInval)
			}

			dst := make([]byte, readLength)
			mr, err := s.peer.RegisterMR(dst, rpma.UsageReadDst)
			if err != nil {
				return fmt.Errorf("register destination: %w", err)
			}
			defer mr.Close()

			if err := s.conn.Read(mr, 0, s.pool, readOffset, readLength,
				rpma.CompletionAlways, wridRead); err != nil {
				return fmt.Errorf("post read: %w", err)
			}
			if err := awaitCompletion(s.conn, wridRead); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), hex.Dump(dst))
			return nil
		})
	},
}

func init() {
	readCmd.Flags().Uint64Var(&readOffset, "offset", 0, "pool offset in bytes")
	readCmd.Flags().Uint64Var(&readLength, "length", 64, "bytes to read")
	addSessionFlags(readCmd)
	rootCmd.AddCommand(readCmd)
}
