package safego

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/carbon-marketplace/icr-marketplace/internal/telemetry"
)

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not complete within timeout")
	}
}

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go("test_run", func() { close(done) })
	waitDone(t, done)
}

func TestGo_RecoversPanicAndCountsIt(t *testing.T) {
	counter := telemetry.BackgroundPanicsTotal.WithLabelValues("test_panic")
	before := testutil.ToFloat64(counter)

	done := make(chan struct{})
	Go("test_panic", func() {
		defer close(done)
		panic("intentional panic in test")
	})
	waitDone(t, done)

	// The deferred close runs before the recover in Go, so poll for the increment.
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(counter) == before+1
	}, 2*time.Second, 10*time.Millisecond)
}
