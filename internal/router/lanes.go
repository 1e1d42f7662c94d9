package router

import (
	"sync"

	"github.com/sourcegraph/conc"
)

// lanes runs jobs one at a time per key, in submission order. A key's
// goroutine is started on demand and exits once its queue is empty.
type lanes struct {
	mu      sync.Mutex
	queues  map[string][]func()
	closed  bool
	workers conc.WaitGroup
}

func newLanes() *lanes {
	return &lanes{queues: make(map[string][]func())}
}

// push queues job behind key's earlier jobs. It returns false once closed.
func (l *lanes) push(key string, job func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	q, running := l.queues[key]
	l.queues[key] = append(q, job)
	if !running {
		l.workers.Go(func() { l.drain(key) })
	}
	return true
}

func (l *lanes) drain(key string) {
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		job := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()

		job()
	}
}

// close refuses further jobs. It reports false if already closed.
func (l *lanes) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

// wait blocks until every queued job has run.
func (l *lanes) wait() { l.workers.Wait() }

// idle reports whether no key has pending or running jobs.
func (l *lanes) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues) == 0
}
