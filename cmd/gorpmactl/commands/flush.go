package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gorpma/rpma"
)

// wridFlush tags the flush command's single work request.
const wridFlush uint64 = 1

var (
	flushOffset     uint64
	flushLength     uint64
	flushPersistent bool
)

// flushCmd issues a flush against a window of the served pool. A
// persistent flush requires the pool to be served with
// direct-write-to-pmem (--persistent), otherwise the software flush
// engine refuses it.
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush a window of the served pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			ftype := rpma.FlushTypeVisibility
			if flushPersistent {
				ftype = rpma.FlushTypePersistent
			}

			if err := s.conn.Flush(s.pool, flushOffset, flushLength, ftype,
				rpma.CompletionAlways, wridFlush); err != nil {
				return fmt.Errorf("post flush: %w", err)
			}
			if err := awaitCompletion(s.conn, wridFlush); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "flushed %d bytes at offset %d (%s)\n",
				flushLength, flushOffset, ftype)
			return nil
		})
	},
}

func init() {
	flushCmd.Flags().Uint64Var(&flushOffset, "offset", 0, "pool offset in bytes")
	flushCmd.Flags().Uint64Var(&flushLength, "length", 64, "bytes to flush")
	flushCmd.Flags().BoolVar(&flushPersistent, "to-persistence", false,
		"flush to persistence instead of visibility")
	addSessionFlags(flushCmd)
	rootCmd.AddCommand(flushCmd)
}
