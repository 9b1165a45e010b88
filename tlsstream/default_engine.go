package tlsstream

import (
	"bytes"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/scalenet/spcore/errs"
)

// defaultEngine bridges the push-based Engine contract to crypto/tls, which
// is pull-based (it owns a net.Conn and calls Read/Write itself). memConn
// adapts the two directions: FeedCipher/DrainCipher push and pull raw bytes
// on one side, while crypto/tls's internal goroutine-free Conn blocks on
// the other side exactly as it would against a real socket.
//
// crypto/tls has no public pre-shared-key API, so PSK configs are rejected
// here; a PSK deployment supplies its own Engine instead.
func newDefaultEngine(cfg *Config) (Engine, error) {
	if cfg.PSKIdentity != "" {
		return nil, errs.New(errs.NotSupported, "tlsstream: default engine has no PSK support")
	}
	if (cfg.MinVersion != 0 && cfg.MinVersion < tls.VersionTLS12) ||
		(cfg.MaxVersion != 0 && cfg.MaxVersion < tls.VersionTLS12) {
		return nil, errs.New(errs.InvalidArgument, "tlsstream: TLS versions below 1.2 are not permitted")
	}

	tc := &tls.Config{
		ServerName:         cfg.ServerName,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
		Certificates:       cfg.Certificates,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if tc.MinVersion == 0 {
		tc.MinVersion = tls.VersionTLS12
	}

	conn := newMemConn()

	e := &defaultEngine{conn: conn, handshakeDone: make(chan struct{})}
	if cfg.Server {
		e.tlsConn = tls.Server(conn, tc)
	} else {
		e.tlsConn = tls.Client(conn, tc)
	}

	go e.runHandshake()
	return e, nil
}

type defaultEngine struct {
	conn *memConn

	tlsConn       *tls.Conn
	handshakeDone chan struct{}
	handshakeErr  error

	plainMu    sync.Mutex
	plainBuf   bytes.Buffer
	plainErr   error
	drainStart sync.Once
}

func (e *defaultEngine) runHandshake() {
	e.handshakeErr = e.tlsConn.Handshake()
	close(e.handshakeDone)
	if e.handshakeErr == nil {
		go e.drainPlain()
	}
}

func (e *defaultEngine) drainPlain() {
	buf := make([]byte, recordSize)
	for {
		n, err := e.tlsConn.Read(buf)
		if n > 0 {
			e.plainMu.Lock()
			e.plainBuf.Write(buf[:n])
			e.plainMu.Unlock()
		}
		if err != nil {
			e.plainMu.Lock()
			e.plainErr = err
			e.plainMu.Unlock()
			return
		}
	}
}

func (e *defaultEngine) Handshake() (bool, error) {
	select {
	case <-e.handshakeDone:
		return true, e.handshakeErr
	default:
		return false, nil
	}
}

func (e *defaultEngine) FeedCipher(b []byte) (int, error) {
	return e.conn.feed(b)
}

func (e *defaultEngine) DrainCipher(b []byte) (int, error) {
	return e.conn.drain(b)
}

func (e *defaultEngine) EncryptPlain(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return e.tlsConn.Write(b)
}

func (e *defaultEngine) DecryptPlain(b []byte) (int, error) {
	e.plainMu.Lock()
	defer e.plainMu.Unlock()
	n, _ := e.plainBuf.Read(b)
	if n == 0 && e.plainErr != nil {
		return 0, e.plainErr
	}
	return n, nil
}

func (e *defaultEngine) Close() error {
	e.conn.Close()
	return e.tlsConn.Close()
}

// memConn is a minimal net.Conn whose Read blocks on a channel of inbound
// chunks (fed by FeedCipher) and whose Write appends to an outbound buffer
// (drained by DrainCipher) -- just enough surface for crypto/tls.Conn.
type memConn struct {
	inbound chan []byte
	leftover []byte

	outMu    sync.Mutex
	outbound bytes.Buffer

	closed   chan struct{}
	closeOnce sync.Once
}

func newMemConn() *memConn {
	return &memConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *memConn) feed(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	select {
	case c.inbound <- cp:
		return len(cp), nil
	case <-c.closed:
		return 0, net.ErrClosed
	default:
		return 0, nil // caller retries once the reader has drained the channel
	}
}

func (c *memConn) drain(b []byte) (int, error) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	n, err := c.outbound.Read(b)
	if errors.Is(err, bytes.ErrTooLarge) {
		return n, err
	}
	return n, nil // io.EOF from an empty Buffer just means "nothing pending yet"
}

func (c *memConn) Read(p []byte) (int, error) {
	if len(c.leftover) == 0 {
		select {
		case chunk, ok := <-c.inbound:
			if !ok {
				return 0, net.ErrClosed
			}
			c.leftover = chunk
		case <-c.closed:
			return 0, net.ErrClosed
		}
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return c.outbound.Write(p)
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *memConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "tlsstream" }
func (memAddr) String() string  { return "tlsstream" }
