// Package clock isolates wall-clock access so the evolution and monitoring
// workers can be driven deterministically in tests.
package clock

import "time"

// Clock is the injectable time source used everywhere a component would
// otherwise call time.Now/time.NewTicker directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so Fake can swap in a controllable channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func NewReal() Real { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker        { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Fake is a manually advanced Clock for tests: Advance() fires every ticker
// and After channel whose deadline has elapsed.
type Fake struct {
	now     time.Time
	tickers []*fakeTicker
	afters  []*fakeAfter
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.afters = append(f.afters, &fakeAfter{deadline: f.now.Add(d), ch: ch})
	return ch
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves the fake clock forward by d, firing any elapsed tickers and
// after-channels. Each ticker channel holds one pending tick; ticks for
// further elapsed periods are dropped while it is full.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
	remaining := f.afters[:0]
	for _, a := range f.afters {
		if !a.deadline.After(f.now) {
			a.ch <- a.deadline
			continue
		}
		remaining = append(remaining, a)
	}
	f.afters = remaining
}

type fakeTicker struct {
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

type fakeAfter struct {
	deadline time.Time
	ch       chan time.Time
}
