package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder fans events out to its sinks from a single background worker so
// that a slow sink never blocks the caller. When the queue is full the event
// is dropped and logged.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultSendTimeout,
		queue:   make(chan Event, DefaultQueueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues e for delivery.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		r.logger.Warn("history queue full, event dropped", "service", e.Service, "to", e.To, "dropped", r.dropped)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		if err := r.send(e); err != nil {
			r.logger.Warn("history sink failed", "service", e.Service, "error", err)
		}
	}
}

func (r *Recorder) send(e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	var g errgroup.Group
	errs := make([]error, len(r.sinks))
	for i, s := range r.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, e); err != nil {
				errs[i] = fmt.Errorf("%T: %w", s, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close drains the queue and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
