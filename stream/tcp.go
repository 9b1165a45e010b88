package stream

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
)

func init() {
	Register("tcp", tcpTransport{network: "tcp"})
	Register("tcp4", tcpTransport{network: "tcp4"})
	Register("tcp6", tcpTransport{network: "tcp6"})
}

// tcpTransport is the platform I/O collaborator for plain TCP, built
// directly on net.Conn/net.Dialer/net.Listener — the concrete socket
// primitives the core treats as an external collaborator.
type tcpTransport struct {
	network string
}

func (t tcpTransport) NewDialer(rawurl string) (Dialer, error) {
	hp, err := HostPort(rawurl)
	if err != nil {
		return nil, err
	}
	return &tcpDialer{network: t.network, addr: hp}, nil
}

func (t tcpTransport) NewListener(rawurl string) (Listener, error) {
	hp, err := HostPort(rawurl)
	if err != nil {
		return nil, err
	}
	return &tcpListener{network: t.network, addr: hp}, nil
}

type tcpDialer struct {
	network string
	addr    string
}

func (d *tcpDialer) Dial(a *aio.AIO) {
	ctx, cancel := context.WithCancel(context.Background())

	started := a.Start(func(_ *aio.AIO, rv error) { cancel() }, nil)
	if !started {
		cancel()
		return
	}

	go func() {
		defer cancel()
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, d.network, d.addr)
		if err != nil {
			a.Finish(classifyDialErr(err), 0)
			return
		}
		a.SetOutput(0, newConnStream(conn))
		a.Finish(nil, 0)
	}()
}

func (d *tcpDialer) Close() error { return nil }

type tcpListener struct {
	network string
	addr    string
	ln      net.Listener
}

func (l *tcpListener) Listen() error {
	ln, err := net.Listen(l.network, l.addr)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return errs.Wrap(errs.AlreadyInUse, "tcp.Listen", err)
		}
		return errs.Wrap(errs.InvalidAddress, "tcp.Listen", err)
	}
	l.ln = ln
	return nil
}

func (l *tcpListener) Accept(a *aio.AIO) {
	done := make(chan struct{})
	started := a.Start(func(_ *aio.AIO, rv error) {
		l.ln.Close() // force the blocked Accept to return; caller re-listens if needed
		<-done
	}, nil)
	if !started {
		close(done)
		return
	}

	go func() {
		defer close(done)
		for {
			conn, err := l.ln.Accept()
			if err != nil {
				a.Finish(classifyAcceptErr(err), 0)
				return
			}
			a.SetOutput(0, newConnStream(conn))
			a.Finish(nil, 0)
			return
		}
	}()
}

func (l *tcpListener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func classifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "refused") {
		return errs.Wrap(errs.ConnectionRefused, "tcp.Dial", err)
	}
	if err == context.Canceled {
		return errs.Wrap(errs.Canceled, "tcp.Dial", err)
	}
	return errs.Wrap(errs.ConnectionRefused, "tcp.Dial", err)
}

func classifyAcceptErr(err error) error {
	if strings.Contains(err.Error(), "too many open files") {
		return errs.Wrap(errs.NoFiles, "tcp.Accept", err)
	}
	return errs.Wrap(errs.Closed, "tcp.Accept", err)
}

// connStream adapts a net.Conn to the Stream interface. Cancellation uses
// the classic "force a deadline into the past" trick so the goroutine
// blocked in Read/Write is the only one that ever calls Finish.
type connStream struct {
	conn net.Conn
}

func newConnStream(conn net.Conn) *connStream {
	return &connStream{conn: conn}
}

func (s *connStream) Send(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {
		s.conn.SetWriteDeadline(time.Unix(0, 1))
	}, nil)
	if !started {
		return
	}

	go func() {
		s.conn.SetWriteDeadline(time.Time{})
		iov := a.Iov()
		var n int
		var err error
		for _, buf := range iov {
			if len(buf) == 0 {
				continue
			}
			wn, werr := s.conn.Write(buf)
			n += wn
			err = werr
			break // one short write per AIO op: callers loop
		}
		a.Finish(classifyIOErr(err), n)
	}()
}

func (s *connStream) Recv(a *aio.AIO) {
	started := a.Start(func(_ *aio.AIO, rv error) {
		s.conn.SetReadDeadline(time.Unix(0, 1))
	}, nil)
	if !started {
		return
	}

	go func() {
		s.conn.SetReadDeadline(time.Time{})
		iov := a.Iov()
		if len(iov) == 0 || len(iov[0]) == 0 {
			a.Finish(nil, 0)
			return
		}
		n, err := s.conn.Read(iov[0])
		a.Finish(classifyIOErr(err), n)
	}()
}

func (s *connStream) Close() error { return s.conn.Close() }
func (s *connStream) Stop()        { s.conn.Close() }

func (s *connStream) Get(name string) (any, error) {
	switch name {
	case "local-address":
		return s.conn.LocalAddr().String(), nil
	case "remote-address":
		return s.conn.RemoteAddr().String(), nil
	default:
		return nil, errs.New(errs.NotSupported, "connStream.Get: "+name)
	}
}

func (s *connStream) Set(name string, v any) error {
	switch name {
	case "no-delay":
		if tc, ok := s.conn.(*net.TCPConn); ok {
			if b, ok := v.(bool); ok {
				return tc.SetNoDelay(b)
			}
		}
		return errs.New(errs.InvalidArgument, "connStream.Set: no-delay")
	default:
		return errs.New(errs.NotSupported, "connStream.Set: "+name)
	}
}

func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "use of closed network connection"):
		return errs.Wrap(errs.Closed, "tcp.io", err)
	case strings.Contains(s, "i/o timeout"):
		return errs.Wrap(errs.Canceled, "tcp.io", err)
	case strings.Contains(s, "EOF"), strings.Contains(s, "reset by peer"), strings.Contains(s, "broken pipe"):
		return errs.Wrap(errs.ConnectionShut, "tcp.io", err)
	default:
		return errs.Wrap(errs.ConnectionShut, "tcp.io", err)
	}
}
