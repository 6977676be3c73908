package batch

import (
	"context"
	"sync"
	"time"
)

// Processor handles one batch. It is never called concurrently.
type Processor[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to a Processor once the batch is
// full or the interval elapses, whichever comes first.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor[T]
	onError       func(err error, dropped int)

	mu      sync.Mutex
	pending []T
	stopped bool

	process   sync.Mutex
	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

type Option func(*options)

type options struct {
	onError func(err error, dropped int)
}

// WithErrorHandler is called with the processor error and the size of the
// batch that was lost.
func WithErrorHandler(fn func(err error, dropped int)) Option {
	return func(o *options) { o.onError = fn }
}

func NewBatcher[T any](batchSize int, batchInterval time.Duration, processor Processor[T], opts ...Option) *Batcher[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if o.onError == nil {
		o.onError = func(error, int) {}
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		onError:       o.onError,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues item. It reports false once the batcher is stopped.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush processes everything queued so far.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.process.Lock()
	defer b.process.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.mu.Unlock()

	if err := b.processor(ctx, items); err != nil {
		b.onError(err, len(items))
		return err
	}
	return nil
}

func (b *Batcher[T]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			_ = b.Flush(context.Background())
			return
		}
	}
}

// Stop rejects further items, flushes the rest and waits for the worker.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.stopChan)
	<-b.done
}

// Pending returns the number of queued items.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
