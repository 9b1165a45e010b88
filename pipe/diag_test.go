package pipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketDumpStats(t *testing.T) {
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

	require.Eventually(t, func() bool {
		return len(sockA.Pipes()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p := sockA.Pipes()[0]
	p.Stats.MsgsSent.Add(3)
	p.Stats.BytesSent.Add(42)

	out := sockA.DumpStats(nil)
	assert.Contains(t, string(out), `"msgs_sent":3`)
	assert.Contains(t, string(out), `"bytes_sent":42`)
	assert.Contains(t, string(out), `"id":`)
}

func TestLoadStatsFilter(t *testing.T) {
	n, err := LoadStatsFilter([]byte(`{"min_msgs_sent": 5}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	n, err = LoadStatsFilter([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}
