// Package hook mirrors every applied batch and every presence or lock change
// of every scene to external observers such as dashboards and audit bots.
//
// Events are queued by the document that produced them and delivered in
// order by a single goroutine, so a slow or failing observer never stalls
// delivery to the scene's participants. Delivery is best effort: while the
// queue is full new events are dropped and counted, and the count is
// reported by the admin stats endpoint. Observers that must not miss an
// event should resync from scene history.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event is one observable change. Message holds the exact bytes that were
// sent to the scene's participants.
type Event struct {
	SceneID string          `json:"scene_id"`
	Type    string          `json:"type"`
	Version int64           `json:"version"`
	Message json.RawMessage `json:"message"`
	At      time.Time       `json:"at"`
}

type Observer interface {
	Observe(ctx context.Context, e Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, e Event) error

func (f ObserverFunc) Observe(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Dispatcher holds the subscriber list and the delivery queue.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
	queue     chan Event
	timeout   time.Duration
	log       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	dropped uint64
}

// NewDispatcher returns a dispatcher with a queue of size events. Each
// observer call is bounded by timeout.
func NewDispatcher(size int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   make(chan Event, size),
		timeout: timeout,
		log:     logger.With("component", "hook"),
		stopCh:  make(chan struct{}),
	}
}

// Subscribe adds an observer. Observers are called in subscription order.
func (d *Dispatcher) Subscribe(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Emit queues e without blocking. When the queue is full the event is
// dropped and counted.
func (d *Dispatcher) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case d.queue <- e:
	default:
		d.mu.Lock()
		d.dropped++
		n := d.dropped
		d.mu.Unlock()
		if n%100 == 1 {
			d.log.Warn("hook queue full, dropping event", "scene", e.SceneID, "type", e.Type, "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

// Start begins delivering queued events.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
}

// Stop delivers what is already queued and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.stopCh:
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	d.mu.RLock()
	observers := append([]Observer(nil), d.observers...)
	d.mu.RUnlock()

	for _, o := range observers {
		if err := d.call(o, e); err != nil {
			d.log.Warn("observer failed", "scene", e.SceneID, "type", e.Type, "error", err)
		}
	}
}

func (d *Dispatcher) call(o Observer, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return o.Observe(ctx, e)
}
