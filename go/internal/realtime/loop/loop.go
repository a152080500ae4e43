// Package loop provides the single-goroutine event loop the realtime engine
// runs on. Every state transition happens inside a posted closure, so
// components owned by the loop need no locks; blocking work runs on other
// goroutines and re-enters the loop with its result.
package loop

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize bounds the number of posted but unprocessed events
const DefaultQueueSize = 256

var ErrStopped = errors.New("event loop stopped")

// Loop executes posted closures one at a time, in order
type Loop struct {
	clock  clockwork.Clock
	events chan func()
	done   chan struct{}
}

// New creates a loop. Timers created through AfterFunc use clock.
func New(clock clockwork.Clock, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		clock:  clock,
		events: make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn for execution on the loop goroutine. It blocks while the
// queue is full and returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run processes events until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	log.Debug().Msg("event loop started")
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event loop stopped")
			return nil
		case fn := <-l.events:
			l.exec(fn)
		}
	}
}

// Step processes exactly one event, blocking until one is available. It is
// meant for tests that drive the loop by hand instead of calling Run.
func (l *Loop) Step(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case fn := <-l.events:
		l.exec(fn)
		return nil
	}
}

// Drain processes events that are already queued without blocking and
// returns how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.events:
			l.exec(fn)
			n++
		default:
			return n
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered panic in event loop handler")
		}
	}()
	fn()
}

// Timer is a one-shot timer whose callback runs on the loop. Stop must be
// called from the loop; once it returns the callback is guaranteed not to run.
type Timer struct {
	timer   clockwork.Timer
	stopped bool
}

// AfterFunc arranges for fn to run on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
	})
	return t
}

// Stop cancels the timer. Safe on a nil timer.
func (t *Timer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// Await runs work on its own goroutine and delivers the result to done on
// the loop. If the loop has stopped the result is dropped.
func Await[T any](l *Loop, ctx context.Context, work func(ctx context.Context) (T, error), done func(T, error)) {
	go func() {
		res, err := work(ctx)
		l.Post(func() {
			done(res, err)
		})
	}()
}
