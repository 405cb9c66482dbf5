// Package rpma is an asynchronous remote persistent-memory access
// library: one-sided RDMA (read, write, atomic write, flush) and
// two-sided messaging (send, receive) over a reliable-connected RDMA
// transport, with first-class support for persistent remote memory —
// the flush operation gives a durability guarantee, not just
// visibility.
//
// A program starts by resolving a textual address to a device context
// through a verbs.Provider and constructing a Peer on it. The peer
// registers buffers as local memory regions (each producing a fixed
// 24-byte wire descriptor) and then either listens, yielding incoming
// connection requests, or connects outward. Connection requests carry
// the connection's completion queues and queue pair; Connect promotes
// them to a Conn, over which the caller exchanges a small private-data
// blob (typically a region descriptor) and issues data-path operations
// that land on the completion queues as work completions. Shutdown is
// symmetric: disconnect, drain events, close.
//
// The provider is reached exclusively through the narrow interfaces in
// package verbs; verbs/loopback pairs connections in process memory so
// everything here can run without an RNIC.
package rpma
