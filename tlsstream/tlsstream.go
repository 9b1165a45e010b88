// Package tlsstream wraps a stream.Stream with TLS. It talks to
// an Engine interface rather than crypto/tls directly, so an alternate TLS
// implementation can be swapped in without touching the pipe/endpoint or
// framing layers; Engine's default implementation is backed by crypto/tls.
package tlsstream

import (
	"crypto/tls"
	"sync"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/stream"
)

// recordSize is the default ring buffer size: one maximal TLS record.
const recordSize = 16 * 1024

// Engine drives one TLS session's handshake and record (un)wrapping, fed
// plaintext/ciphertext through two fixed-size ring buffers rather than
// performing I/O itself; tlsstream.Stream owns the underlying transport and
// feeds/drains the engine using a push-based design.
type Engine interface {
	// Handshake advances the handshake state machine using any ciphertext
	// already fed in, and reports whether the handshake is complete.
	Handshake() (done bool, err error)

	// FeedCipher appends peer-received ciphertext bytes to the engine's
	// input. Returns the number of bytes it could accept before its ring
	// filled; the caller must retry the remainder once the engine drains.
	FeedCipher(b []byte) (n int, err error)

	// DrainCipher copies up to len(b) pending outbound ciphertext bytes
	// (produced by Handshake or EncryptPlain) into b.
	DrainCipher(b []byte) (n int, err error)

	// EncryptPlain encodes plaintext into outbound TLS records, available
	// afterwards via DrainCipher.
	EncryptPlain(b []byte) (n int, err error)

	// DecryptPlain copies up to len(b) bytes of decrypted application data
	// (produced by feeding ciphertext) into b.
	DecryptPlain(b []byte) (n int, err error)

	// Close releases engine resources.
	Close() error
}

// Config configures a TLS session. Version restricts negotiation to TLS
// 1.2/1.3. PSKIdentity/PSKKey are passed to the Engine for pre-shared-key
// auth; the default crypto/tls engine has no PSK support and fails with
// NotSupported when PSKIdentity is non-empty.
type Config struct {
	Server      bool
	ServerName  string
	MinVersion  uint16 // tls.VersionTLS12 or tls.VersionTLS13
	MaxVersion  uint16
	PSKIdentity string
	PSKKey      []byte

	// Certificates and InsecureSkipVerify are passed straight through to
	// the default crypto/tls engine; a custom Engine may ignore them.
	Certificates       []tls.Certificate
	InsecureSkipVerify bool

	NewEngine func(cfg *Config) (Engine, error) // nil uses the default crypto/tls engine
}

// Stream wraps an underlying byte stream with TLS record framing. It
// implements stream.Stream, so it composes under spframe the same way a
// plain TCP connection does.
type Stream struct {
	under  stream.Stream
	engine Engine

	mu          sync.Mutex
	busy        bool // true while the handshake is in flight
	handshakeOK bool

	cipherRing [recordSize]byte
	plainRing  [recordSize]byte

	sendQ *sendRecvQ
	recvQ *sendRecvQ

	stopOnce sync.Once
	stopped  chan struct{}
}

// New wraps under with TLS per cfg. The handshake starts at once on a
// background goroutine; queued Send/Recv AIOs are serviced after it completes.
func New(under stream.Stream, cfg *Config) (*Stream, error) {
	newEngine := cfg.NewEngine
	if newEngine == nil {
		newEngine = newDefaultEngine
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		under:   under,
		engine:  eng,
		sendQ:   newSendRecvQ(),
		recvQ:   newSendRecvQ(),
		stopped: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *Stream) Send(a *aio.AIO) {
	started := a.Start(func(ua *aio.AIO, rv error) {
		if s.sendQ.remove(ua) {
			ua.Finish(rv, 0)
		}
	}, nil)
	if !started {
		return
	}
	s.sendQ.push(a)
}

func (s *Stream) Recv(a *aio.AIO) {
	started := a.Start(func(ua *aio.AIO, rv error) {
		if s.recvQ.remove(ua) {
			ua.Finish(rv, 0)
		}
	}, nil)
	if !started {
		return
	}
	s.recvQ.push(a)
}

func (s *Stream) Close() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.engine.Close()
	return s.under.Close()
}

func (s *Stream) Stop() {
	s.Close()
	s.under.Stop()
}

func (s *Stream) Get(name string) (any, error) {
	switch name {
	case "tls-busy":
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.busy, nil
	default:
		return s.under.Get(name)
	}
}

func (s *Stream) Set(name string, v any) error {
	return errs.New(errs.NotSupported, "tlsstream.Set: "+name)
}

// pump is the single goroutine serializing engine access: it drives the
// handshake to completion, then alternates draining outbound ciphertext to
// the underlying stream and feeding inbound ciphertext read from it,
// servicing one queued Send/Recv AIO of application data at a time.
func (s *Stream) pump() {
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()

	for {
		done, err := s.engine.Handshake()
		if err != nil {
			s.failAll(errs.Wrap(errs.PermissionDenied, "tlsstream.Handshake", err))
			return
		}
		if s.flushOutbound() != nil {
			return
		}
		if done {
			break
		}
		if s.fillFromPeer() != nil {
			return
		}
	}

	s.mu.Lock()
	s.busy = false
	s.handshakeOK = true
	s.mu.Unlock()

	for {
		select {
		case <-s.stopped:
			return
		case <-s.sendQ.wake:
			s.drainSends()
		case <-s.recvQ.wake:
			s.drainRecvs()
		}
	}
}

func (s *Stream) drainSends() {
	for {
		a, ok := s.sendQ.pop()
		if !ok {
			return
		}
		m, _ := a.Msg().(interface{ Body() []byte })
		iov := a.Iov()
		var plain []byte
		if m != nil {
			plain = m.Body()
		} else if len(iov) > 0 {
			plain = iov[0]
		}
		n, err := s.engine.EncryptPlain(plain)
		if err != nil {
			a.Finish(errs.Wrap(errs.ProtocolError, "tlsstream.Send", err), 0)
			continue
		}
		if err := s.flushOutbound(); err != nil {
			a.Finish(err, n)
			continue
		}
		a.Finish(nil, n)
	}
}

func (s *Stream) drainRecvs() {
	for {
		a, ok := s.recvQ.pop()
		if !ok {
			return
		}
		iov := a.Iov()
		if len(iov) == 0 {
			a.Finish(nil, 0)
			continue
		}
		n, err := s.engine.DecryptPlain(iov[0])
		for n == 0 && err == nil {
			if ferr := s.fillFromPeer(); ferr != nil {
				a.Finish(ferr, 0)
				n = -1
				break
			}
			n, err = s.engine.DecryptPlain(iov[0])
		}
		if n < 0 {
			continue
		}
		if err != nil {
			a.Finish(errs.Wrap(errs.ProtocolError, "tlsstream.Recv", err), n)
			continue
		}
		a.Finish(nil, n)
	}
}

// flushOutbound copies everything the engine has queued as ciphertext to
// the underlying stream, synchronously from the pump goroutine.
func (s *Stream) flushOutbound() error {
	for {
		n, err := s.engine.DrainCipher(s.cipherRing[:])
		if err != nil {
			return errs.Wrap(errs.ProtocolError, "tlsstream.flush", err)
		}
		if n == 0 {
			return nil
		}
		if err := s.writeUnderlying(s.cipherRing[:n]); err != nil {
			return err
		}
	}
}

// fillFromPeer reads one chunk of ciphertext from the underlying stream and
// feeds it to the engine.
func (s *Stream) fillFromPeer() error {
	n, err := s.readUnderlying(s.plainRing[:])
	if err != nil {
		return err
	}
	buf := s.plainRing[:n]
	for len(buf) > 0 {
		fed, err := s.engine.FeedCipher(buf)
		if err != nil {
			return errs.Wrap(errs.ProtocolError, "tlsstream.feed", err)
		}
		buf = buf[fed:] // retry the remainder the engine could not take yet
	}
	return nil
}

func (s *Stream) writeUnderlying(buf []byte) error {
	for len(buf) > 0 {
		done := make(chan struct{})
		ua := aio.New(func(*aio.AIO) { close(done) }, nil)
		ua.SetIov([][]byte{buf})
		s.under.Send(ua)
		<-done
		rv, n := ua.Result()
		if rv != nil {
			return rv
		}
		buf = buf[n:]
	}
	return nil
}

func (s *Stream) readUnderlying(buf []byte) (int, error) {
	done := make(chan struct{})
	ua := aio.New(func(*aio.AIO) { close(done) }, nil)
	ua.SetIov([][]byte{buf})
	s.under.Recv(ua)
	<-done
	rv, n := ua.Result()
	return n, rv
}

func (s *Stream) failAll(err error) {
	for {
		a, ok := s.sendQ.pop()
		if !ok {
			break
		}
		a.Finish(err, 0)
	}
	for {
		a, ok := s.recvQ.pop()
		if !ok {
			break
		}
		a.Finish(err, 0)
	}
}

// sendRecvQ is the same removable-entry FIFO shape spframe uses, so Abort
// can drop a queued-but-unstarted AIO cleanly.
type sendRecvQ struct {
	mu   sync.Mutex
	q    []*aio.AIO
	wake chan struct{}
}

func newSendRecvQ() *sendRecvQ {
	return &sendRecvQ{wake: make(chan struct{}, 1)}
}

func (f *sendRecvQ) push(a *aio.AIO) {
	f.mu.Lock()
	f.q = append(f.q, a)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *sendRecvQ) pop() (*aio.AIO, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.q) == 0 {
		return nil, false
	}
	a := f.q[0]
	f.q = f.q[1:]
	return a, true
}

func (f *sendRecvQ) remove(a *aio.AIO) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, x := range f.q {
		if x == a {
			f.q = append(f.q[:i], f.q[i+1:]...)
			return true
		}
	}
	return false
}
