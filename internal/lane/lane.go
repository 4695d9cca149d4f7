// Package lane runs outbound encode, encrypt and send work on a small set of
// single-worker lanes. Work submitted to one lane runs strictly in order.
package lane

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned when submitting to a stopped lane
var ErrClosed = errors.New("lane closed")

// queueSize bounds the tasks waiting on one lane
const queueSize = 1024

// Lane is a single worker goroutine with an ordered task queue
type Lane struct {
	id  int
	log *zap.Logger

	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once

	// assigned is guarded by the owning Manager's mutex
	assigned int
}

func newLane(id int, log *zap.Logger) *Lane {
	l := &Lane{
		id:    id,
		log:   log.With(zap.Int("lane", id)),
		tasks: make(chan func(), queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

// ID returns the lane number
func (l *Lane) ID() int {
	return l.id
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case task := <-l.tasks:
			l.exec(task)
		case <-l.stop:
			// Finish what was already queued so final flushes still go out.
			for {
				select {
				case task := <-l.tasks:
					l.exec(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Lane task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Submit queues task behind everything already submitted to this lane. It
// blocks while the queue is full.
func (l *Lane) Submit(task func()) error {
	select {
	case <-l.stop:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- task:
		return nil
	case <-l.stop:
		return ErrClosed
	}
}

// SubmitWait queues task and waits until it has run
func (l *Lane) SubmitWait(task func()) error {
	finished := make(chan struct{})
	if err := l.Submit(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The worker drains the queue before exiting, so task either ran or
		// never will.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker after the queued tasks have run
func (l *Lane) Close() {
	l.once.Do(func() { close(l.stop) })
	<-l.done
}
