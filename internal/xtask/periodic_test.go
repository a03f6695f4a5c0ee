package xtask

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicRunsRepeatedly(t *testing.T) {
	var n int32
	p := &Periodic{
		Interval: 5 * time.Millisecond,
		Execute:  func() { atomic.AddInt32(&n, 1) },
	}
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Close()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&n), int32(3))
}

func TestPeriodicCloseWaitsForInFlightExecution(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32

	p := &Periodic{
		Interval: time.Millisecond,
		Execute: func() {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			atomic.StoreInt32(&finished, 1)
		},
	}
	p.Start()
	<-started

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	// Close must not return while Execute is still running.
	select {
	case <-done:
		t.Fatal("Close returned before in-flight execution finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestPeriodicCloseIdempotent(t *testing.T) {
	p := &Periodic{Interval: time.Millisecond, Execute: func() {}}
	p.Start()
	p.Close()
	p.Close()
}
