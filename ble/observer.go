package ble

import (
	"github.com/jd3nn1s/vbox/obd"
	"sync"
)

// Observer receives manager signals in the order they happened, on a
// goroutine owned by the manager. Observers may call back into the manager.
type Observer interface {
	ScanBegan()
	ScanStopped()
	Connected(p Peripheral)
	Disconnected()
	DebugLog(msg string)
	StateChanged(s State)
	DiagnosticUpdated(kind obd.Kind, value float64)
	DiagnosticsUpdated(readings []obd.Reading)
}

// NopObserver can be embedded to implement only some signals.
type NopObserver struct{}

func (NopObserver) ScanBegan() {}
func (NopObserver) ScanStopped() {}
func (NopObserver) Connected(Peripheral) {}
func (NopObserver) Disconnected() {}
func (NopObserver) DebugLog(string) {}
func (NopObserver) StateChanged(State) {}
func (NopObserver) DiagnosticUpdated(obd.Kind, float64) {}
func (NopObserver) DiagnosticsUpdated([]obd.Reading) {}

// emitter queues signals and delivers them in order to a single observer
// from its own goroutine. emit never blocks.
type emitter struct {
	mu       sync.Mutex
	observer Observer
	queue    []func(Observer)
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newEmitter() *emitter {
	e := &emitter{
		observer: NopObserver{},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) setObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

func (e *emitter) emit(fn func(Observer)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) run() {
	for {
		select {
		case <-e.wake:
		case <-e.done:
			return
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 || e.closed {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			o := e.observer
			e.mu.Unlock()
			fn(o)
		}
	}
}

// sync waits until every signal emitted before the call was delivered.
func (e *emitter) sync() {
	ch := make(chan struct{})
	e.emit(func(Observer) {
		close(ch)
	})
	select {
	case <-ch:
	case <-e.done:
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
}
