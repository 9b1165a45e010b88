package pipe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/stream"
)

type nopProtocol struct{}

func (nopProtocol) PipeInit(p *Pipe) error { return nil }
func (nopProtocol) PipeClose(p *Pipe)      {}
func (nopProtocol) PipeStop(p *Pipe)       {}

func newTestSockets(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a := NewSocket(1, nopProtocol{}, 2)
	b := NewSocket(2, nopProtocol{}, 2)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func addrFor(t *testing.T) string {
	return "inproc://pipe-" + t.Name()
}

// TestOneByteEcho covers scenario S2: dial/accept, send a one-byte message
// from the dialing pipe and receive it intact on the accepting pipe.
func TestOneByteEcho(t *testing.T) {
	sockA, sockB := newTestSockets(t)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 7, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	dl, err := NewDialer(sockA, addr, 7, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	var clientPipe, serverPipe *Pipe
	require.Eventually(t, func() bool {
		ps := sockA.Pipes()
		if len(ps) == 0 {
			return false
		}
		clientPipe = ps[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ps := sockB.Pipes()
		if len(ps) == 0 {
			return false
		}
		serverPipe = ps[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	m := message.NewMsg()
	copy(m.AllocBody(1), []byte{0x99})
	require.NoError(t, clientPipe.Send(m))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := serverPipe.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte{0x99}, got.Body())
}

// TestNegotiationMismatchRejects covers scenario S1: a peer that sends
// garbage instead of the SP negotiation template is rejected (counted, pipe
// torn down) without disturbing the listener's ability to accept the next,
// well-behaved peer.
func TestNegotiationMismatchRejects(t *testing.T) {
	sockB := NewSocket(2, nopProtocol{}, 2)
	t.Cleanup(sockB.Close)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 7, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	badDialer, err := stream.NewDialer(addr)
	require.NoError(t, err)
	raw, err := dialOnce(badDialer)
	require.NoError(t, err)

	require.NoError(t, writeGarbage(raw))

	require.Eventually(t, func() bool {
		return sockB.Rejects.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sockB.Pipes())

	sockA := NewSocket(1, nopProtocol{}, 2)
	t.Cleanup(sockA.Close)
	dl, err := NewDialer(sockA, addr, 7, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	require.Eventually(t, func() bool {
		return len(sockB.Pipes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// pickyProtocol rejects any pipe whose peer did not offer Want during SP
// negotiation, simulating a concrete SP protocol's pairing rule (eg. REQ
// only accepts REP).
type pickyProtocol struct {
	Want uint16
}

func (p pickyProtocol) PipeInit(pp *Pipe) error {
	if pp.PeerProto != p.Want {
		return errs.New(errs.ProtocolError, "pickyProtocol: peer offered unexpected protocol id")
	}
	return nil
}
func (pickyProtocol) PipeClose(p *Pipe) {}
func (pickyProtocol) PipeStop(p *Pipe)  {}

// TestNegotiationProtocolMismatchRejects covers the literal scenario S1:
// both peers complete the SP negotiation handshake successfully (valid
// templates, no framing error) but offer different protocol ids; the
// protocol layer rejects the pairing from PipeInit and the socket's reject
// counter increments, with no pipe joining either socket's active set.
func TestNegotiationProtocolMismatchRejects(t *testing.T) {
	sockA := NewSocket(1, pickyProtocol{Want: 0x0050}, 2) // REQ (7), wants a PUB (0x0050) peer
	sockB := NewSocket(2, pickyProtocol{Want: 0x0099}, 2) // PUB-ish (9), wants something else entirely
	t.Cleanup(func() {
		sockA.Close()
		sockB.Close()
	})
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 9, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	dl, err := NewDialer(sockA, addr, 7, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	require.Eventually(t, func() bool {
		return sockA.Rejects.Load() >= 1 && sockB.Rejects.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, sockA.Pipes())
	assert.Empty(t, sockB.Pipes())
}

func writeGarbage(s stream.Stream) error {
	done := make(chan struct{})
	a := newHelperAIO(func() { close(done) })
	a.SetIov([][]byte{[]byte("NOTSP!!!")})
	s.Send(a)
	<-done
	rv, _ := a.Result()
	return rv
}

// TestPipeIDsUnique covers invariant 9: many concurrently created pipes
// never collide in the global id map.
func TestPipeIDsUnique(t *testing.T) {
	sockA, sockB := newTestSockets(t)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 1, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	const n = 8
	dialers := make([]*Dialer, n)
	for i := 0; i < n; i++ {
		dl, err := NewDialer(sockA, addr, 1, 0, 5*time.Millisecond, 50*time.Millisecond)
		require.NoError(t, err)
		dl.Start()
		dialers[i] = dl
	}
	defer func() {
		for _, dl := range dialers {
			dl.Stop()
		}
	}()

	require.Eventually(t, func() bool {
		return len(sockB.Pipes()) >= n
	}, 3*time.Second, 10*time.Millisecond)

	seen := map[uint32]bool{}
	for _, p := range sockB.Pipes() {
		assert.False(t, seen[p.ID], "duplicate pipe id %d", p.ID)
		seen[p.ID] = true
	}
}

// TestRecvTimeout covers scenario S4: a Recv with no message available
// returns once its context deadline passes, without wedging the pipe.
func TestRecvTimeout(t *testing.T) {
	sockA, sockB := newTestSockets(t)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 9, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	dl, err := NewDialer(sockA, addr, 9, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	var serverPipe *Pipe
	require.Eventually(t, func() bool {
		ps := sockB.Pipes()
		if len(ps) == 0 {
			return false
		}
		serverPipe = ps[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = serverPipe.Recv(ctx)
	require.Error(t, err)
}

// TestGracefulClose covers scenario S5: closing a pipe is idempotent and
// removes it from its socket's active set.
func TestGracefulClose(t *testing.T) {
	sockA, sockB := newTestSockets(t)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 3, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	dl, err := NewDialer(sockA, addr, 3, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	var clientPipe *Pipe
	require.Eventually(t, func() bool {
		ps := sockA.Pipes()
		if len(ps) == 0 {
			return false
		}
		clientPipe = ps[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	clientPipe.Close()
	clientPipe.Close() // idempotent

	require.Eventually(t, func() bool {
		return len(sockA.Pipes()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// TestPipeKV covers the protocol-layer scratch space: concurrent-safe and
// independent per pipe.
func TestPipeKV(t *testing.T) {
	sockA, sockB := newTestSockets(t)
	addr := addrFor(t)

	ln, err := NewListener(sockB, addr, 7, 0)
	require.NoError(t, err)
	ln.Start()
	defer ln.Stop()

	dl, err := NewDialer(sockA, addr, 7, 0, 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	dl.Start()
	defer dl.Stop()

	var clientPipe *Pipe
	require.Eventually(t, func() bool {
		ps := sockA.Pipes()
		if len(ps) == 0 {
			return false
		}
		clientPipe = ps[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NotNil(t, clientPipe.KV)
	clientPipe.KV.Store("role", "client")
	v, ok := clientPipe.KV.Load("role")
	require.True(t, ok)
	assert.Equal(t, "client", v)

	_, ok = clientPipe.KV.Load("nonexistent")
	assert.False(t, ok)
}
