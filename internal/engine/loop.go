package engine

import "sync"

// executor is the single serialization context named throughout spec §5:
// every Stack Engine call, every flow-table mutation, every Bridge
// callback, and every timer firing is a closure submitted here and run to
// completion before the next one starts. There are no implicit yield
// points inside a submitted closure.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	work    chan struct{}
	closed  chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		work:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *executor) loop() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.work:
				continue
			case <-e.closed:
				return
			}
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn()
	}
}

// submit enqueues fn to run on the serialization context. Returns
// immediately; fn runs asynchronously in submission order.
func (e *executor) submit(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	select {
	case e.work <- struct{}{}:
	default:
	}
}

// submitSync enqueues fn and blocks until it has run, realizing the
// "synchronously jump to the serialization context" contract that
// Coordinator.Stop needs (spec §4.4).
func (e *executor) submitSync(fn func()) {
	done := make(chan struct{})
	e.submit(func() {
		fn()
		close(done)
	})
	<-done
}

// stop terminates the loop goroutine. Work already queued still runs:
// the loop only exits once it finds the queue empty.
func (e *executor) stop() {
	close(e.closed)
}
