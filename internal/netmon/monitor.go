// Package netmon tracks network reachability and notifies subscribers on
// connected/disconnected transitions.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/pulse/internal/models"
)

// Prober performs one reachability observation.
type Prober interface {
	Probe(ctx context.Context) (models.NetworkState, error)
}

// Listener is called on every connectivity transition.
type Listener func(models.NetworkState) error

// DeliveryStatus tags the outcome of one listener call.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Threw     DeliveryStatus = "threw"
)

// Delivery is the per-listener result of a transition.
type Delivery struct {
	ListenerID int
	Status     DeliveryStatus
	Err        error
}

type subscription struct {
	id int
	fn Listener
}

// Monitor owns the current NetworkState.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	sources  []ChangeSource
	logger   *slog.Logger

	mu        sync.RWMutex
	state     models.NetworkState
	listeners []subscription
	nextID    int

	// notifyMu serializes deliveries so listeners see transitions in order.
	notifyMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithChangeSource adds a platform notification source.
func WithChangeSource(src ChangeSource) Option {
	return func(m *Monitor) { m.sources = append(m.sources, src) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor and runs one immediate probe.
func New(ctx context.Context, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: 30 * time.Second,
		timeout:  3 * time.Second,
		logger:   slog.Default(),
		state:    models.NetworkState{IsConnected: false, ConnectionClass: models.ClassNone},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = m.probe(ctx)
	return m
}

// State returns the last observed state.
func (m *Monitor) State() models.NetworkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing more than once is harmless.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, sub := range m.listeners {
				if sub.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Observe records an observation. Listeners run only when IsConnected
// flips; a class-only change updates the state silently.
func (m *Monitor) Observe(next models.NetworkState) []Delivery {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	m.state = next
	if prev.IsConnected == next.IsConnected {
		m.mu.Unlock()
		return nil
	}
	subs := make([]subscription, len(m.listeners))
	copy(subs, m.listeners)
	m.mu.Unlock()

	m.logger.Info("network transition", "connected", next.IsConnected, "class", next.ConnectionClass)

	deliveries := make([]Delivery, 0, len(subs))
	for _, sub := range subs {
		d := Delivery{ListenerID: sub.id, Status: Delivered}
		if err := invoke(sub.fn, next); err != nil {
			d.Status = Threw
			d.Err = err
			m.logger.Warn("network listener failed", "listener", sub.id, "err", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}

func invoke(fn Listener, state models.NetworkState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(state)
}

// ProbeNow probes and observes the result.
func (m *Monitor) ProbeNow(ctx context.Context) []Delivery {
	return m.Observe(m.probe(ctx))
}

func (m *Monitor) probe(ctx context.Context) models.NetworkState {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	state, err := m.prober.Probe(ctx)
	if err != nil {
		m.logger.Debug("probe failed", "err", err)
		return models.NetworkState{IsConnected: false, ConnectionClass: models.ClassNone}
	}
	return state
}

// Start begins polling and listening to change sources. A source that
// fails to start is logged and skipped; polling still runs.
func (m *Monitor) Start(ctx context.Context) error {
	if m.cancel != nil {
		return fmt.Errorf("monitor already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	changes := make(chan struct{}, 1)
	for _, src := range m.sources {
		if err := src.Watch(ctx, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		}); err != nil {
			m.logger.Warn("change source unavailable", "err", err)
		}
	}

	m.wg.Add(1)
	go m.loop(ctx, changes)
	return nil
}

// Stop stops polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, changes <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeNow(ctx)
		case <-changes:
			m.ProbeNow(ctx)
		}
	}
}
