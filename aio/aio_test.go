package aio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalenet/spcore/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartFinishOnce(t *testing.T) {
	var calls int32
	a := New(func(a *AIO) { atomic.AddInt32(&calls, 1) }, nil)

	ok := a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	require.True(t, ok)

	a.Finish(nil, 5)
	a.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
	rv, n := a.Result()
	assert.NoError(t, rv)
	assert.Equal(t, 5, n)
}

func TestStopRejectsStart(t *testing.T) {
	a := New(func(a *AIO) {}, nil)
	a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	a.Finish(nil, 0)

	a.Stop()

	ok := a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	assert.False(t, ok)
	rv, _ := a.Result()
	assert.ErrorIs(t, rv, errs.Stopped)
}

func TestAbortCancelsSynchronously(t *testing.T) {
	done := make(chan struct{})
	a := New(func(a *AIO) { close(done) }, nil)

	ok := a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	require.True(t, ok)

	a.Abort(errs.New(errs.Canceled, "test"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not dispatched after abort")
	}

	rv, _ := a.Result()
	assert.ErrorIs(t, rv, errs.Canceled)
}

func TestTimeout(t *testing.T) {
	done := make(chan struct{})
	a := New(func(a *AIO) { close(done) }, nil)
	a.SetTimeout(100 * time.Millisecond)

	start := time.Now()
	ok := a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AIO did not time out")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)

	rv, _ := a.Result()
	assert.ErrorIs(t, rv, errs.TimedOut)
}

func TestZeroTimeoutFailsFast(t *testing.T) {
	a := New(func(a *AIO) {}, nil)
	a.SetTimeout(0)
	ok := a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	assert.False(t, ok)
	rv, _ := a.Result()
	assert.ErrorIs(t, rv, errs.TimedOut)
}

func TestExpireOKSucceedsOnTimeout(t *testing.T) {
	done := make(chan struct{})
	a := New(func(a *AIO) { close(done) }, nil)
	a.SetTimeout(50 * time.Millisecond)
	a.SetExpireOK(true)

	a.Start(func(a *AIO, rv error) { a.Finish(rv, 0) }, nil)
	<-done

	rv, _ := a.Result()
	assert.NoError(t, rv)
}
