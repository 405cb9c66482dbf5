package rpma_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gorpma/rpma"
)

func TestPeerCfgRoundTrip(t *testing.T) {
	t.Parallel()

	for _, direct := range []bool{false, true} {
		blob, err := rpma.PeerCfg{DirectWriteToPmem: direct}.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary() error: %v", err)
		}
		if len(blob) != rpma.PeerCfgSize {
			t.Fatalf("MarshalBinary() = %d bytes, want %d", len(blob), rpma.PeerCfgSize)
		}

		cfg, err := rpma.UnmarshalPeerCfg(blob)
		if err != nil {
			t.Fatalf("UnmarshalPeerCfg() error: %v", err)
		}
		if cfg.DirectWriteToPmem != direct {
			t.Errorf("DirectWriteToPmem = %v, want %v", cfg.DirectWriteToPmem, direct)
		}
	}
}

func TestUnmarshalPeerCfgWrongSize(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 2, 8} {
		if _, err := rpma.UnmarshalPeerCfg(make([]byte, n)); !errors.Is(err, rpma.ErrNoSupp) {
			t.Errorf("UnmarshalPeerCfg(len=%d) = %v, want ErrNoSupp", n, err)
		}
	}
}
