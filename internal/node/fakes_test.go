package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock provides a controllable time source. Sleep advances it and
// fires AfterFunc callbacks that have come due.
type fakeClock struct {
	now    time.Time
	sleeps int
	timers []*fakeTimer
}

type fakeTimer struct {
	at    time.Time
	f     func()
	fired bool
	stop  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps++
	c.now = c.now.Add(d)
	for _, tm := range c.timers {
		if !tm.fired && !tm.stop && !c.now.Before(tm.at) {
			tm.fired = true
			tm.f()
		}
	}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	tm := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, tm)
	return func() bool {
		if tm.fired || tm.stop {
			return false
		}
		tm.stop = true
		return true
	}
}

type publishCall struct {
	pub Publication
	tag Tag
}

type subscribeCall struct {
	topic string
	qos   byte
	tag   Tag
}

// fakeTransport records requests and hands out queued events on Poll.
type fakeTransport struct {
	published  []publishCall
	subscribed []subscribeCall
	pending    []Event
	publishErr error
	closed     bool
}

func (f *fakeTransport) Publish(p Publication, tag Tag) error {
	if f.closed {
		return ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishCall{pub: p, tag: tag})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, qos byte, tag Tag) error {
	if f.closed {
		return ErrNotConnected
	}
	f.subscribed = append(f.subscribed, subscribeCall{topic: topic, qos: qos, tag: tag})
	return nil
}

func (f *fakeTransport) Poll() []Event {
	if f.closed {
		return nil
	}
	ev := f.pending
	f.pending = nil
	return ev
}

func (f *fakeTransport) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeTransport) push(evs ...Event) {
	f.pending = append(f.pending, evs...)
}

func (f *fakeTransport) lastPublish() publishCall {
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) publishesTo(topic string) int {
	n := 0
	for _, c := range f.published {
		if c.pub.Topic == topic {
			n++
		}
	}
	return n
}

// fakeDialer returns a fresh fakeTransport per Dial. When accept is set
// the transport starts with a ConnectAccepted queued.
type fakeDialer struct {
	accept     bool
	err        error
	calls      int
	opts       SessionOptions
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, opts SessionOptions) (Transport, error) {
	d.calls++
	d.opts = opts
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{}
	if d.accept {
		t.push(ConnectAccepted{})
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	return d.transports[len(d.transports)-1]
}

// fakeLink fails the first failures attempts. With a clock set, each
// attempt takes hang of clock time and gives up once ctx is done.
type fakeLink struct {
	failures int
	attempts int
	creds    Credentials

	clock *fakeClock
	hang  time.Duration
}

var errNoCarrier = errors.New("no carrier")

func (l *fakeLink) Associate(ctx context.Context, creds Credentials) error {
	l.attempts++
	l.creds = creds
	if l.clock != nil {
		l.clock.Sleep(l.hang)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if l.attempts <= l.failures {
		return errNoCarrier
	}
	return nil
}
