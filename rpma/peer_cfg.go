package rpma

import (
	"fmt"
)

// -------------------------------------------------------------------------
// Remote Peer Configuration
// -------------------------------------------------------------------------

// PeerCfg describes capabilities a peer declares to its remote side.
// The record is exchanged out of band (typically packed into connection
// private data next to a memory-region descriptor) and applied to a
// connection with Conn.ApplyRemotePeerCfg.
type PeerCfg struct {
	// DirectWriteToPmem declares that remote writes reach persistent
	// media directly, making a software-emulated persistent flush
	// meaningful.
	DirectWriteToPmem bool
}

// PeerCfgSize is the exact size of a serialized peer configuration in
// bytes.
const PeerCfgSize = 1

// MarshalBinary serializes the configuration into its fixed wire form.
func (cfg PeerCfg) MarshalBinary() ([]byte, error) {
	out := make([]byte, PeerCfgSize)
	if cfg.DirectWriteToPmem {
		out[0] = 1
	}
	return out, nil
}

// UnmarshalPeerCfg deserializes a peer configuration. The declared
// length must match PeerCfgSize exactly; a mismatch means the two sides
// disagree on the wire format and yields ErrNoSupp.
func UnmarshalPeerCfg(data []byte) (PeerCfg, error) {
	if len(data) != PeerCfgSize {
		return PeerCfg{}, fmt.Errorf("unmarshal peer configuration: %d bytes, expected %d: %w",
			len(data), PeerCfgSize, ErrNoSupp)
	}
	return PeerCfg{DirectWriteToPmem: data[0] != 0}, nil
}
