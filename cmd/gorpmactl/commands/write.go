package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorpma/rpma"
)

// wridWrite tags the write command's single work request.
const wridWrite uint64 = 1

var (
	writeOffset uint64
	writeData   string
)

// writeCmd writes a payload into the served pool.
var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a payload into the served pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			if writeData == "" {
				return fmt.Errorf("write: empty payload: %w", rpma.ErrInval)
			}

			payload := []byte(writeData)
			src, err := s.peer.RegisterMR(payload, rpma.UsageWriteSrc)
			if err != nil {
				return fmt.Errorf("register source: %w", err)
			}
			defer src.Close()

			if err := s.conn.Write(s.pool, writeOffset, src, 0, uint64(len(payload)),
				rpma.CompletionAlways, wridWrite); err != nil {
				return fmt.Errorf("post write: %w", err)
			}
			if err := awaitCompletion(s.conn, wridWrite); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at offset %d\n",
				len(payload), writeOffset)
			return nil
		})
	},
}

func init() {
	writeCmd.Flags().Uint64Var(&writeOffset, "offset", 0, "pool offset in bytes")
	writeCmd.Flags().StringVar(&writeData, "data", "hello, persistent memory",
		"payload to write")
	addSessionFlags(writeCmd)
	rootCmd.AddCommand(writeCmd)
}
