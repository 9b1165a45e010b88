package ws

import (
	"testing"
	"time"

	"github.com/scalenet/spcore/aio"
	"github.com/scalenet/spcore/message"
	"github.com/scalenet/spcore/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialInprocPair(t *testing.T, addr string) (stream.Stream, stream.Stream) {
	t.Helper()

	ln, err := stream.NewListener("inproc://" + addr)
	require.NoError(t, err)
	require.NoError(t, ln.Listen())
	defer ln.Close()

	dl, err := stream.NewDialer("inproc://" + addr)
	require.NoError(t, err)

	acceptDone := make(chan stream.Stream, 1)
	acc := aio.New(func(a *aio.AIO) { acceptDone <- a.Output(0).(stream.Stream) }, nil)
	ln.Accept(acc)

	dialDone := make(chan stream.Stream, 1)
	dial := aio.New(func(a *aio.AIO) { dialDone <- a.Output(0).(stream.Stream) }, nil)
	dl.Dial(dial)

	return <-dialDone, <-acceptDone
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := frameHeader{fin: true, opcode: opBinary, masked: true, mask: [4]byte{1, 2, 3, 4}, payload: 300}
	wire := encodeHeader(nil, h)

	got, err := decodeHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, h.fin, got.fin)
	assert.Equal(t, h.opcode, got.opcode)
	assert.Equal(t, h.masked, got.masked)
	assert.Equal(t, h.mask, got.mask)
	assert.Equal(t, h.payload, got.payload)
}

func TestMessageModeRoundTrip(t *testing.T) {
	client, server := dialInprocPair(t, "ws-echo")

	cs := New(client, Config{Mode: ModeMessage, Client: true})
	ss := New(server, Config{Mode: ModeMessage, Client: false})
	defer cs.Stop()
	defer ss.Stop()

	m := message.NewMsg()
	copy(m.AllocBody(5), []byte("hello"))

	sendDone := make(chan error, 1)
	sa := aio.New(func(a *aio.AIO) { rv, _ := a.Result(); sendDone <- rv }, nil)
	sa.SetMsg(m)
	cs.Send(sa)

	recvDone := make(chan *message.Msg, 1)
	ra := aio.New(func(a *aio.AIO) {
		out, _ := a.Msg().(*message.Msg)
		recvDone <- out
	}, nil)
	ss.Recv(ra)

	select {
	case err := <-sendDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send timed out")
	}
	select {
	case got := <-recvDone:
		require.NotNil(t, got)
		assert.Equal(t, []byte("hello"), got.Body())
	case <-time.After(2 * time.Second):
		t.Fatal("recv timed out")
	}
}

func TestFragmentationAcrossFragSize(t *testing.T) {
	client, server := dialInprocPair(t, "ws-frag")

	cs := New(client, Config{Mode: ModeMessage, Client: true, FragSize: 4})
	ss := New(server, Config{Mode: ModeMessage, Client: false})
	defer cs.Stop()
	defer ss.Stop()

	body := []byte("0123456789")
	m := message.NewMsg()
	copy(m.AllocBody(len(body)), body)

	sendDone := make(chan error, 1)
	sa := aio.New(func(a *aio.AIO) { rv, _ := a.Result(); sendDone <- rv }, nil)
	sa.SetMsg(m)
	cs.Send(sa)

	recvDone := make(chan *message.Msg, 1)
	ra := aio.New(func(a *aio.AIO) {
		out, _ := a.Msg().(*message.Msg)
		recvDone <- out
	}, nil)
	ss.Recv(ra)

	require.NoError(t, <-sendDone)
	got := <-recvDone
	require.NotNil(t, got)
	assert.Equal(t, body, got.Body())
}
