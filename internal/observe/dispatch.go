package observe

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Dispatcher runs notification work. Tasks submitted to one dispatcher must
// run in submission order.
type Dispatcher interface {
	Dispatch(task func())
}

// Inline runs every task on the calling goroutine.
var Inline Dispatcher = inline{}

type inline struct{}

func (inline) Dispatch(task func()) { task() }

// serialDispatcher runs tasks one at a time on a goroutine it owns. The
// queue is unbounded so Dispatch never blocks the state update that
// produced the task.
type serialDispatcher struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	stopped chan struct{}

	// gid identifies the dispatcher goroutine once it has started.
	gid atomic.Uint64
}

func newSerialDispatcher() *serialDispatcher {
	d := &serialDispatcher{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *serialDispatcher) Dispatch(task func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *serialDispatcher) run() {
	defer close(d.stopped)
	d.gid.Store(goroutineID())
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			task := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			task()
		}
	}
}

// Close drains queued tasks and stops the goroutine. Called from a task, as
// from a change callback, it only marks the dispatcher closed: the goroutine
// drains the rest of the queue and exits once that task returns.
func (d *serialDispatcher) Close() {
	d.mu.Lock()
	alreadyClosed := d.closed
	d.closed = true
	d.mu.Unlock()

	if !alreadyClosed {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	if d.gid.Load() == goroutineID() {
		return
	}
	<-d.stopped
}

// goroutineID reads the current goroutine's id from its stack header.
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
