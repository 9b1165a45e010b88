// Package stream defines the polymorphic byte-stream contract that every
// transport (TCP, IPC, TLS, WebSocket, in-process) must satisfy, plus the
// process-local registry that resolves a URL scheme to a concrete
// transport. Protocol and framing layers only ever talk to a Stream,
// Dialer or Listener value — never to a concrete transport type.
package stream

import (
	"sync"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
)

// Stream is a polymorphic byte-oriented duplex channel. send/recv are
// asynchronous through an AIO; close/stop/get/set are synchronous.
type Stream interface {
	// Send writes a.Iov() bytes; a finishes with the number of bytes
	// actually written. Short writes are legal — callers loop.
	Send(a *aio.AIO)

	// Recv reads up to the sum of a.Iov() lengths; a finishes with the
	// number of bytes read, or a Closed/ConnectionShut error.
	Recv(a *aio.AIO)

	// Close begins an orderly shutdown, aborting queued operations with
	// Closed.
	Close() error

	// Stop is like Close but blocks until all internal goroutines have
	// drained.
	Stop()

	// Get returns a named attribute (eg. "local-address", "tls-verified").
	Get(name string) (any, error)

	// Set configures a named attribute before use.
	Set(name string, v any) error
}

// Dialer produces Streams by connecting out to a remote address.
type Dialer interface {
	// Dial asynchronously connects; on success a.Output(0) is the new Stream.
	Dial(a *aio.AIO)

	Close() error
}

// Listener produces Streams by accepting inbound connections.
type Listener interface {
	// Listen binds/opens for accepting; returns synchronously.
	Listen() error

	// Accept asynchronously waits for one peer; on success a.Output(0) is
	// the new Stream.
	Accept(a *aio.AIO)

	Close() error
}

// Transport is the object-safe, trait-style contract a concrete byte-stream
// provider implements and registers under one or more URL schemes.
type Transport interface {
	NewDialer(rawurl string) (Dialer, error)
	NewListener(rawurl string) (Listener, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Transport{}
)

// Register installs t as the Transport for scheme. Intended to be called
// from a transport package's init(), building a process-local registry.
func Register(scheme string, t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = t
}

// Lookup returns the Transport registered for scheme, if any.
func Lookup(scheme string) (Transport, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[scheme]
	return t, ok
}

// NewDialer resolves rawurl's scheme and builds a Dialer for it.
func NewDialer(rawurl string) (Dialer, error) {
	scheme, err := SchemeOf(rawurl)
	if err != nil {
		return nil, err
	}
	t, ok := Lookup(scheme)
	if !ok {
		return nil, errs.New(errs.NotSupported, "stream.NewDialer: no transport registered for scheme "+scheme)
	}
	return t.NewDialer(rawurl)
}

// NewListener resolves rawurl's scheme and builds a Listener for it.
func NewListener(rawurl string) (Listener, error) {
	scheme, err := SchemeOf(rawurl)
	if err != nil {
		return nil, err
	}
	t, ok := Lookup(scheme)
	if !ok {
		return nil, errs.New(errs.NotSupported, "stream.NewListener: no transport registered for scheme "+scheme)
	}
	return t.NewListener(rawurl)
}
