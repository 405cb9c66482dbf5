package rpma

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
	"github.com/dantte-lp/gorpma/verbs/loopback"
)

// -------------------------------------------------------------------------
// TestUsageToAccess — registration access mask derivation
// -------------------------------------------------------------------------

func TestUsageToAccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		usage     Usage
		transport verbs.Transport
		want      verbs.Access
	}{
		{"read source", UsageReadSrc, verbs.TransportIB,
			verbs.AccessRemoteRead},
		{"read destination", UsageReadDst, verbs.TransportIB,
			verbs.AccessLocalWrite},
		{"read destination on iWARP", UsageReadDst, verbs.TransportIWARP,
			verbs.AccessLocalWrite | verbs.AccessRemoteWrite},
		{"write source", UsageWriteSrc, verbs.TransportIB,
			verbs.AccessLocalWrite},
		{"write destination", UsageWriteDst, verbs.TransportIB,
			verbs.AccessLocalWrite | verbs.AccessRemoteWrite},
		{"write destination on iWARP", UsageWriteDst, verbs.TransportIWARP,
			verbs.AccessLocalWrite | verbs.AccessRemoteWrite},
		{"receive", UsageRecv, verbs.TransportIB,
			verbs.AccessLocalWrite},
		{"send", UsageSend, verbs.TransportIB, 0},
		{"flush visibility", UsageFlushVisibility, verbs.TransportIB,
			verbs.AccessLocalWrite},
		{"flush persistent", UsageFlushPersistent, verbs.TransportIB,
			verbs.AccessLocalWrite},
		{"atomic write destination", UsageAtomicWriteDst, verbs.TransportIB,
			verbs.AccessLocalWrite | verbs.AccessRemoteWrite},
		{"read source on RoCE", UsageReadSrc, verbs.TransportRoCE,
			verbs.AccessRemoteRead},
		{"combined pool usage",
			UsageReadSrc | UsageWriteDst | UsageFlushPersistent, verbs.TransportIB,
			verbs.AccessRemoteRead | verbs.AccessRemoteWrite | verbs.AccessLocalWrite},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := usageToAccess(tt.usage, tt.transport); got != tt.want {
				t.Errorf("usageToAccess(%v, %v) = %#x, want %#x",
					tt.usage, tt.transport, got, tt.want)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestRegisterMRODPFallback — retry with on-demand paging
// -------------------------------------------------------------------------

// registeredAccess extracts the access mask a loopback registration
// recorded.
func registeredAccess(t *testing.T, mr *LocalMR) verbs.Access {
	t.Helper()
	rec, ok := mr.mr.(interface{ Access() verbs.Access })
	if !ok {
		t.Fatal("provider MR does not expose its access mask")
	}
	return rec.Access()
}

func TestRegisterMRODPFallback(t *testing.T) {
	t.Parallel()

	t.Run("ODP capable retries with on-demand flag", func(t *testing.T) {
		t.Parallel()

		prov := loopback.New(loopback.WithOnDemandPaging(true))
		dev, err := prov.OpenDevice("192.0.2.1")
		if err != nil {
			t.Fatalf("OpenDevice() error: %v", err)
		}
		peer, err := NewPeer(prov, dev)
		if err != nil {
			t.Fatalf("NewPeer() error: %v", err)
		}
		defer peer.Close()

		prov.InjectRegMRError(unix.EOPNOTSUPP)

		mr, err := peer.RegisterMR(make([]byte, 64), UsageWriteDst)
		if err != nil {
			t.Fatalf("RegisterMR() after injected EOPNOTSUPP: %v", err)
		}
		defer mr.Close()

		want := verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessOnDemand
		if got := registeredAccess(t, mr); got != want {
			t.Errorf("retry access = %#x, want %#x", got, want)
		}
	})

	t.Run("ODP incapable does not retry", func(t *testing.T) {
		t.Parallel()

		prov := loopback.New()
		dev, err := prov.OpenDevice("192.0.2.1")
		if err != nil {
			t.Fatalf("OpenDevice() error: %v", err)
		}
		peer, err := NewPeer(prov, dev)
		if err != nil {
			t.Fatalf("NewPeer() error: %v", err)
		}
		defer peer.Close()

		prov.InjectRegMRError(unix.EOPNOTSUPP)

		_, err = peer.RegisterMR(make([]byte, 64), UsageWriteDst)
		if !errors.Is(err, ErrProvider) {
			t.Fatalf("RegisterMR() = %v, want ErrProvider", err)
		}

		var perr *ProviderError
		if !errors.As(err, &perr) || perr.Errno != unix.EOPNOTSUPP {
			t.Errorf("provider errno not preserved: %v", err)
		}
	})

	t.Run("out of memory maps to ErrNoMem", func(t *testing.T) {
		t.Parallel()

		prov := loopback.New()
		dev, err := prov.OpenDevice("192.0.2.1")
		if err != nil {
			t.Fatalf("OpenDevice() error: %v", err)
		}
		peer, err := NewPeer(prov, dev)
		if err != nil {
			t.Fatalf("NewPeer() error: %v", err)
		}
		defer peer.Close()

		prov.InjectRegMRError(unix.ENOMEM)

		if _, err := peer.RegisterMR(make([]byte, 64), UsageRecv); !errors.Is(err, ErrNoMem) {
			t.Errorf("RegisterMR() = %v, want ErrNoMem", err)
		}
	})
}

// -------------------------------------------------------------------------
// TestRegisterMRArguments — argument validation before provider calls
// -------------------------------------------------------------------------

func TestRegisterMRArguments(t *testing.T) {
	t.Parallel()

	prov := loopback.New()
	dev, err := prov.OpenDevice("192.0.2.1")
	if err != nil {
		t.Fatalf("OpenDevice() error: %v", err)
	}
	peer, err := NewPeer(prov, dev)
	if err != nil {
		t.Fatalf("NewPeer() error: %v", err)
	}
	defer peer.Close()

	tests := []struct {
		name  string
		buf   []byte
		usage Usage
	}{
		{"nil buffer", nil, UsageReadSrc},
		{"empty buffer", []byte{}, UsageReadSrc},
		{"empty usage", make([]byte, 8), 0},
		{"undefined usage bits", make([]byte, 8), Usage(1 << 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := peer.RegisterMR(tt.buf, tt.usage); !errors.Is(err, ErrInval) {
				t.Errorf("RegisterMR(%s) = %v, want ErrInval", tt.name, err)
			}
		})
	}
}
