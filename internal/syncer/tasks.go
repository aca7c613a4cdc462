package syncer

import (
	"context"
	"log"
	"sync"

	"learnsync/internal/remote"
)

type task struct {
	name string
	fn   func(context.Context) error
}

// Tasks is a small queue for fire-and-forget remote writes. A single worker
// runs submissions in order; network errors are swallowed (logged at debug),
// anything else is logged as an error. Tests call Drain to wait for all
// submitted work instead of racing timers.
type Tasks struct {
	jobs chan task
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewTasks(buffer int) *Tasks {
	t := &Tasks{jobs: make(chan task, buffer)}
	go t.run()
	return t
}

func (t *Tasks) run() {
	for job := range t.jobs {
		if err := job.fn(context.Background()); err != nil {
			if remote.IsNetwork(err) {
				log.Printf("debug: %s: %v", job.name, err)
			} else {
				log.Printf("task %s failed: %v", job.name, err)
			}
		}
		t.wg.Done()
	}
}

// Go submits fn to the queue. Submissions never block the caller: after Close,
// or when the buffer is full, the task is dropped with a log line. A dropped
// push is retried implicitly by the next mutation or reconciliation.
func (t *Tasks) Go(name string, fn func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		log.Printf("task %s dropped: queue closed", name)
		return
	}
	t.wg.Add(1)
	select {
	case t.jobs <- task{name: name, fn: fn}:
	default:
		t.wg.Done()
		log.Printf("task %s dropped: queue full", name)
	}
}

// Drain blocks until every submitted task has finished.
func (t *Tasks) Drain() {
	t.wg.Wait()
}

// Close drains the queue and stops the worker.
func (t *Tasks) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
	close(t.jobs)
}
