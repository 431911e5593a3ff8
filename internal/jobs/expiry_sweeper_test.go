package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu    sync.Mutex
	n     int64
	err   error
	calls []time.Time
}

func (f *fakeDeleter) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.n, f.err
}

func (f *fakeDeleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestExpirySweeper_Sweep(t *testing.T) {
	states := &fakeDeleter{n: 3}
	tokens := &fakeDeleter{n: 1}
	s := NewExpirySweeper(states, tokens, time.Minute)
	fixed := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	removed := s.Sweep(context.Background())

	assert.Equal(t, map[string]int64{"pending_state": 3, "access_token": 1}, removed)
	require.Len(t, states.calls, 1)
	assert.Equal(t, fixed, states.calls[0])
	assert.Equal(t, fixed, tokens.calls[0])
}

func TestExpirySweeper_FailureDoesNotStopOtherStores(t *testing.T) {
	states := &fakeDeleter{err: errors.New("db down")}
	tokens := &fakeDeleter{n: 2}
	s := NewExpirySweeper(states, tokens, time.Minute)

	removed := s.Sweep(context.Background())

	assert.Equal(t, map[string]int64{"access_token": 2}, removed)
	assert.Equal(t, 1, tokens.callCount())
}

func TestExpirySweeper_NilStoreSkipped(t *testing.T) {
	tokens := &fakeDeleter{}
	s := NewExpirySweeper(nil, tokens, time.Minute)

	removed := s.Sweep(context.Background())

	assert.Equal(t, map[string]int64{"access_token": 0}, removed)
}

func TestNewExpirySweeper_DefaultInterval(t *testing.T) {
	s := NewExpirySweeper(&fakeDeleter{}, &fakeDeleter{}, 0)
	assert.Equal(t, 15*time.Minute, s.interval)
}

func TestExpirySweeper_StartRunsImmediatelyAndStops(t *testing.T) {
	states := &fakeDeleter{}
	s := NewExpirySweeper(states, &fakeDeleter{}, time.Hour)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return states.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestExpirySweeper_StopsOnContextCancel(t *testing.T) {
	s := NewExpirySweeper(&fakeDeleter{}, &fakeDeleter{}, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not exit after cancel")
	}
}
