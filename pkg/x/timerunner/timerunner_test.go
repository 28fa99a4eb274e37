package timerunner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRunWithin(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var count atomic.Int32
	tr := New(ctx, func() {
		count.Add(1)
	})
	tr.RunWithin(10 * time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.Load() != 1 {
		t.Fatalf("runs: %d", count.Load())
	}
	// without another request, the function must not run again
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("ran without being asked: %d", count.Load())
	}
}

func TestPeriodic(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var count atomic.Int32
	New(ctx, func() {
		count.Add(1)
	}, Periodic(10*time.Millisecond))
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.Load() < 3 {
		t.Fatalf("periodic runs: %d", count.Load())
	}
}

func TestAtStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var count atomic.Int32
	New(ctx, func() {
		count.Add(1)
	}, AtStart)
	deadline := time.Now().Add(5 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if count.Load() == 0 {
		t.Fatal("AtStart did not run")
	}
}
