package timerunner

import (
	"context"
	"time"
)

// timeNever is used as a "no scheduled run" marker
var timeNever = time.Unix(1<<47, 0)

// TimeRunner runs a function at requested or periodic times on its own goroutine
type TimeRunner interface {
	RunWithin(t time.Duration)
}

type timerunner struct {
	ctx      context.Context
	nextRun  time.Time
	reqChan  chan time.Duration
	f        func()
	periodic time.Duration
	atStart  bool
}

// Periodic modifies New to include periodic activations
func Periodic(period time.Duration) func(*timerunner) {
	return func(tr *timerunner) {
		tr.periodic = period
	}
}

// AtStart modifies New to run the function once immediately at startup
func AtStart(tr *timerunner) {
	tr.atStart = true
}

// New returns a new TimeRunner which will execute function f at appropriate times
func New(ctx context.Context, f func(), mods ...func(*timerunner)) TimeRunner {
	tr := &timerunner{
		ctx:     ctx,
		nextRun: timeNever,
		reqChan: make(chan time.Duration),
		f:       f,
	}
	for _, mod := range mods {
		mod(tr)
	}
	if tr.atStart {
		tr.nextRun = time.Now()
	} else if tr.periodic != 0 {
		tr.nextRun = time.Now().Add(tr.periodic)
	}
	go tr.mainLoop()
	return tr
}

func (tr *timerunner) mainLoop() {
	for {
		delayTime := time.Millisecond
		tn := time.Now()
		if tn.Before(tr.nextRun) {
			delayTime = tr.nextRun.Sub(tn)
		}
		timer := time.NewTimer(delayTime)
		select {
		case <-tr.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			tr.f()
			if tr.periodic != 0 {
				tr.nextRun = time.Now().Add(tr.periodic)
			} else {
				tr.nextRun = timeNever
			}
		case timeReq := <-tr.reqChan:
			timer.Stop()
			reqNext := time.Now().Add(timeReq)
			if reqNext.Before(tr.nextRun) {
				tr.nextRun = reqNext
			}
		}
	}
}

// RunWithin requests that the TimeRunner execute within a given duration
func (tr *timerunner) RunWithin(t time.Duration) {
	go func() {
		// run in a goroutine to avoid deadlocking when called from inside tr.f
		select {
		case <-tr.ctx.Done():
			return
		case tr.reqChan <- t:
		}
	}()
}
