package rpma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gorpma/verbs"
)

// -------------------------------------------------------------------------
// Error Surface
// -------------------------------------------------------------------------

// The library's failures form a closed set of sentinels, compared with
// errors.Is. Provider-originated failures are *ProviderError values that
// match ErrProvider and preserve the originating errno.
var (
	// ErrInval indicates a null or impossible input, detected before any
	// resource acquisition.
	ErrInval = errors.New("invalid argument")

	// ErrNoMem indicates an allocation failure, regardless of whether it
	// originated locally or in the provider.
	ErrNoMem = errors.New("out of memory")

	// ErrProvider indicates a provider call failed. The concrete error is
	// a *ProviderError carrying the operation and errno.
	ErrProvider = errors.New("provider failure")

	// ErrNoSupp indicates the operation is well-formed but the transport,
	// peer, or configuration does not support it.
	ErrNoSupp = errors.New("not supported")

	// ErrAgain indicates a transient condition; callers retry.
	ErrAgain = errors.New("temporarily unavailable")

	// ErrNoCompletion indicates no work completion is available.
	ErrNoCompletion = errors.New("no completion available")

	// ErrNoEvent indicates no connection event is available.
	ErrNoEvent = errors.New("no event available")

	// ErrSharedChannel indicates the operation requires a privately owned
	// completion channel but the channel is shared.
	ErrSharedChannel = errors.New("completion channel is shared")

	// ErrNotSharedChannel indicates the operation requires a shared
	// completion channel but the channel is privately owned.
	ErrNotSharedChannel = errors.New("completion channel is not shared")

	// ErrUnknown indicates a condition the library cannot classify, such
	// as a provider reporting more completions than were requested.
	ErrUnknown = errors.New("unknown failure")

	// ErrNegativeTimeout indicates a negative timeout value.
	ErrNegativeTimeout = errors.New("negative timeout")

	// ErrNotListening indicates the endpoint is not in the listening state.
	ErrNotListening = errors.New("endpoint is not listening")

	// ErrUnhandledEvent indicates a connection-manager event the library
	// does not translate.
	ErrUnhandledEvent = errors.New("unhandled connection event")

	// ErrUnknownConnection indicates an event for a connection the
	// library does not know.
	ErrUnknownConnection = errors.New("unknown connection")
)

// ProviderError is a provider call failure. It matches ErrProvider under
// errors.Is and preserves the originating errno for callers that inspect
// provider-specific causes.
type ProviderError struct {
	// Op is the failed provider operation.
	Op string

	// Errno is the provider's errno, 0 when the provider returned an
	// error without one.
	Errno unix.Errno

	// Cause is the provider's error value.
	Cause error
}

// Error returns the formatted message.
func (e *ProviderError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: provider failure: %s (errno %d)", e.Op, e.Errno.Error(), int(e.Errno))
	}
	return fmt.Sprintf("%s: provider failure: %v", e.Op, e.Cause)
}

// Is matches the ErrProvider sentinel.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// Unwrap exposes the provider's error value.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// providerErr classifies a nonzero provider return. Well-known errnos
// with a natural library meaning are mapped to their sentinel; everything
// else becomes a *ProviderError.
func providerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if verbs.IsNoMem(err) {
		return fmt.Errorf("%s: %w", op, ErrNoMem)
	}
	return &ProviderError{Op: op, Errno: verbs.ErrnoOf(err), Cause: err}
}
