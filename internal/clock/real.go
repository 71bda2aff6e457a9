package clock

import (
	"context"
	"time"
)

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{
		C:         nil,
		stopFunc:  timer.Stop,
		resetFunc: timer.Reset,
	}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{
		C:         ticker.C,
		stopFunc:  ticker.Stop,
		resetFunc: ticker.Reset,
	}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func (realClock) NewPeriodicRunner(ctx context.Context, interval time.Duration, runImmediately bool, f func(now time.Time)) *PeriodicRunner {
	p := &PeriodicRunner{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if runImmediately {
			f(time.Now())
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case now := <-ticker.C:
				f(now)
			}
		}
	}()
	return p
}
