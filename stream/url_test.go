package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeOf(t *testing.T) {
	scheme, err := SchemeOf("tcp://127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)

	_, err = SchemeOf("carrier-pigeon://nope")
	require.Error(t, err)

	_, err = SchemeOf("://missing")
	require.Error(t, err)
}

func TestQueryOptionsUint64(t *testing.T) {
	opts, err := QueryOptions("tcp://h:9000?recvmax=65536")
	require.NoError(t, err)

	v, err := opts.Uint64("recvmax", 1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(65536), v)

	v, err = opts.Uint64("absent", 1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), v)

	bad, err := QueryOptions("tcp://h:9000?recvmax=not-a-number")
	require.NoError(t, err)
	_, err = bad.Uint64("recvmax", 1024)
	assert.Error(t, err)
}

func TestQueryOptionsDuration(t *testing.T) {
	opts, err := QueryOptions("tcp://h:9000?min-backoff=250ms&max-backoff=9000")
	require.NoError(t, err)

	d, err := opts.Duration("min-backoff", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	// A bare number is interpreted as milliseconds.
	d, err = opts.Duration("max-backoff", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9000*time.Millisecond, d)

	d, err = opts.Duration("absent", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)
}

func TestQueryOptionsNilReceiver(t *testing.T) {
	var opts *Options
	v, err := opts.Uint64("recvmax", 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}
