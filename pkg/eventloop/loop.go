package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("event loop stopped")

// Timer cancels a scheduled callback. Declared as an alias so that other
// packages can name the same type without importing this one.
type Timer = interface{ Stop() }

// Loop is a single serialized execution context. Work is queued without
// bound so that callbacks may post more work without blocking themselves.
type Loop struct {
	mu       sync.Mutex
	pending  []func()
	wakeChan chan struct{}
	stopChan chan struct{}
	stopped  bool
}

func New() *Loop {
	return &Loop{
		wakeChan: make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Post queues fn. Posting to a stopped loop is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wakeChan <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. It must not be called from a
// callback already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes queued work until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.stopChan:
			return nil
		case <-l.wakeChan:
		}
	}
}

// RunPending drains the queue on the calling goroutine, including work
// posted while draining, and returns how many callbacks ran.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return ran
		}
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.pending = nil
	close(l.stopChan)
}

// AfterFunc posts fn to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.isStopped() {
				fn()
			}
		})
	})
	return t
}

// Every posts fn to the loop every d until the timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &ticker{ticker: time.NewTicker(d), stopChan: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.stopChan:
				return
			case <-l.stopChan:
				t.Stop()
				return
			case <-t.ticker.C:
				l.Post(func() {
					if !t.isStopped() {
						fn()
					}
				})
			}
		}
	}()
	return t
}

type timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func (t *timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.t.Stop()
}

func (t *timer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type ticker struct {
	mu       sync.Mutex
	ticker   *time.Ticker
	stopChan chan struct{}
	stopped  bool
}

func (t *ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopChan)
}

func (t *ticker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
