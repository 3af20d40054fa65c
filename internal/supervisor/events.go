package supervisor

import (
	"bytes"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// StatusEvent is emitted on every state transition.
type StatusEvent struct {
	Service string
	From    State
	To      State
	PID     int
	Err     error
	At      time.Time
}

// LogLine is one line of child output, verbatim.
type LogLine struct {
	Service string
	Stream  Stream
	Text    string
	At      time.Time
}

type listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.fns) == 0 {
		return nil
	}
	out := make([]func(T), 0, len(l.fns))
	// map order is random; sort by id to keep registration order
	for id := uint64(0); id < l.next; id++ {
		if fn, ok := l.fns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// dispatcher runs callbacks one at a time, in the order they were posted,
// on its own goroutine. The queue is unbounded so posting never blocks.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *slog.Logger
	// goroutine id of run, so close can tell a callback calling it
	gid atomic.Uint64
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{done: make(chan struct{}), logger: logger}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, fn)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) run() {
	defer close(d.done)
	d.gid.Store(goroutineID())
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.call(fn)
	}
}

func (d *dispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked", "panic", r)
		}
	}()
	fn()
}

// close delivers what is queued, then stops the goroutine. Called from a
// callback it returns at once and the queue drains once that callback returns.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	if goroutineID() == d.gid.Load() {
		return
	}
	<-d.done
}

func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
