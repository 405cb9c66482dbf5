package rpma

import (
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Connection Configuration
// -------------------------------------------------------------------------

// Configuration defaults.
const (
	// DefaultTimeout is the default connection-establishment timeout.
	DefaultTimeout = 1000 * time.Millisecond

	// DefaultQueueSize is the default send/receive queue depth.
	DefaultQueueSize = 10

	// DefaultCQSize is the default completion queue depth.
	DefaultCQSize = 10
)

// ConnConfig carries the construction parameters of a connection
// request. Treat values as immutable once passed to a constructor;
// defaults live in DefaultConnConfig, not in the call sites.
type ConnConfig struct {
	// Timeout bounds address and route resolution during connection
	// establishment.
	Timeout time.Duration

	// SQSize and RQSize bound the queue pair's send and receive queues.
	SQSize int
	RQSize int

	// CQSize is the depth of the connection's main completion queue.
	CQSize int

	// RCQSize is the depth of the connection's separate receive
	// completion queue. Zero disables it: receive completions then land
	// on the main CQ, or on the SRQ's receive CQ when an SRQ is bound.
	RCQSize int

	// SharedCompChannel makes the main CQ and the receive CQ share one
	// completion channel, owned by the main CQ.
	SharedCompChannel bool

	// SRQ binds a shared receive queue to the connection. When the SRQ
	// owns a receive CQ, that CQ becomes the connection's receive CQ.
	SRQ *SRQ
}

// DefaultConnConfig returns the default connection configuration:
// 1 s establishment timeout, queue depths of 10, main CQ depth 10, no
// separate receive CQ, no shared channel, no SRQ.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Timeout: DefaultTimeout,
		SQSize:  DefaultQueueSize,
		RQSize:  DefaultQueueSize,
		CQSize:  DefaultCQSize,
	}
}

// validate checks the configuration before any resource is allocated.
func (cfg ConnConfig) validate() error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("connection configuration: %w", ErrNegativeTimeout)
	}
	if cfg.SQSize <= 0 || cfg.RQSize <= 0 || cfg.CQSize <= 0 || cfg.RCQSize < 0 {
		return fmt.Errorf("connection configuration: non-positive queue size: %w", ErrInval)
	}
	// The SRQ's own receive CQ supersedes the shared-channel scheme;
	// the two cannot be combined.
	if cfg.SharedCompChannel && cfg.SRQ != nil && cfg.SRQ.rcq != nil {
		return fmt.Errorf("connection configuration: shared channel with SRQ-owned receive CQ: %w",
			ErrInval)
	}
	return nil
}

// timeoutMs converts the establishment timeout to provider milliseconds.
func (cfg ConnConfig) timeoutMs() int {
	return int(cfg.Timeout / time.Millisecond)
}

// -------------------------------------------------------------------------
// SRQ Configuration
// -------------------------------------------------------------------------

// SRQConfig carries the construction parameters of a shared receive
// queue.
type SRQConfig struct {
	// RQSize bounds the shared receive queue.
	RQSize int

	// RCQSize is the depth of the SRQ's own receive completion queue.
	// Zero means the SRQ has no receive CQ; connections binding it must
	// not be configured to use one either.
	RCQSize int
}

// DefaultSRQConfig returns the default SRQ configuration: receive queue
// depth 10 with an owned receive CQ of depth 10.
func DefaultSRQConfig() SRQConfig {
	return SRQConfig{
		RQSize:  DefaultQueueSize,
		RCQSize: DefaultCQSize,
	}
}

// validate checks the configuration before any resource is allocated.
func (cfg SRQConfig) validate() error {
	if cfg.RQSize <= 0 || cfg.RCQSize < 0 {
		return fmt.Errorf("SRQ configuration: non-positive queue size: %w", ErrInval)
	}
	return nil
}
