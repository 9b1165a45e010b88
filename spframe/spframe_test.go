package spframe

import (
	"testing"
	"time"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/errs"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialInproc(t *testing.T, addr string) (stream.Stream, stream.Stream) {
	t.Helper()

	ln, err := stream.NewListener("inproc://" + addr)
	require.NoError(t, err)
	require.NoError(t, ln.Listen())
	defer ln.Close()

	dl, err := stream.NewDialer("inproc://" + addr)
	require.NoError(t, err)

	acceptDone := make(chan struct{})
	var server stream.Stream
	acc := aio.New(func(a *aio.AIO) {
		rv, _ := a.Result()
		require.NoError(t, rv)
		server = a.Output(0).(stream.Stream)
		close(acceptDone)
	}, nil)
	ln.Accept(acc)

	dialDone := make(chan struct{})
	var client stream.Stream
	dial := aio.New(func(a *aio.AIO) {
		rv, _ := a.Result()
		require.NoError(t, rv)
		client = a.Output(0).(stream.Stream)
		close(dialDone)
	}, nil)
	dl.Dial(dial)

	<-dialDone
	<-acceptDone
	return client, server
}

func doSend(t *testing.T, s *Stream, m *message.Msg) error {
	t.Helper()
	done := make(chan struct{})
	var result error
	a := aio.New(func(a *aio.AIO) {
		result, _ = a.Result()
		close(done)
	}, nil)
	a.SetMsg(m)
	s.Send(a)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send timed out")
	}
	return result
}

func doRecv(t *testing.T, s *Stream) (*message.Msg, error) {
	t.Helper()
	done := make(chan struct{})
	var result error
	var out *message.Msg
	a := aio.New(func(a *aio.AIO) {
		result, _ = a.Result()
		if m, ok := a.Msg().(*message.Msg); ok {
			out = m
		}
		close(done)
	}, nil)
	s.Recv(a)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recv timed out")
	}
	return out, result
}

func TestOneByteEcho(t *testing.T) {
	client, server := dialInproc(t, "spframe-echo")

	cs := New(client, 0)
	ss := New(server, 0)
	defer cs.Stop()
	defer ss.Stop()

	m := message.NewMsg()
	copy(m.AllocBody(1), []byte{0x42})

	require.NoError(t, doSend(t, cs, m))

	got, err := doRecv(t, ss)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte{0x42}, got.Body())
}

func TestMessageTooBig(t *testing.T) {
	client, server := dialInproc(t, "spframe-toobig")

	cs := New(client, 0)
	ss := New(server, 4) // recvmax smaller than the message we'll send
	defer cs.Stop()
	defer ss.Stop()

	m := message.NewMsg()
	copy(m.AllocBody(16), make([]byte, 16))

	require.NoError(t, doSend(t, cs, m))

	_, err := doRecv(t, ss)
	require.Error(t, err)
	assert.Equal(t, errs.MessageTooBig, errs.CodeOf(err))
}

func TestNegotiateRoundTrip(t *testing.T) {
	client, server := dialInproc(t, "spframe-negotiate")
	defer client.Stop()
	defer server.Stop()

	type result struct {
		peer uint16
		err  error
	}
	clientDone := make(chan result, 1)
	serverDone := make(chan result, 1)

	go func() {
		peer, err := Negotiate(client, 1)
		clientDone <- result{peer, err}
	}()
	go func() {
		peer, err := Negotiate(server, 2)
		serverDone <- result{peer, err}
	}()

	cr := <-clientDone
	sr := <-serverDone
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	assert.Equal(t, uint16(2), cr.peer)
	assert.Equal(t, uint16(1), sr.peer)
}
