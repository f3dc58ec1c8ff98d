// Package health tracks whether the backing store is usable.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-server/internal/obslog"
)

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// Pinger is satisfied by store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type StateCallback func(from, to State)

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type Options struct {
	Interval         time.Duration
	FailureThreshold int
	ProbeTimeout     time.Duration
}

// Monitor probes a Pinger and moves between states:
// starting -> ready <-> degraded, and any state -> stopped.
type Monitor struct {
	pinger Pinger
	opts   Options

	state    State
	failures int
	lastErr  error
	stateM   sync.RWMutex

	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(p Pinger, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &Monitor{
		pinger:   p,
		opts:     opts,
		state:    StateStarting,
		stateCbs: make([]stateCallbackEntry, 0),
		stopCh:   make(chan struct{}),
	}
}

func (m *Monitor) State() State {
	m.stateM.RLock()
	defer m.stateM.RUnlock()
	return m.state
}

func (m *Monitor) Ready() bool { return m.State() == StateReady }

// LastError is the most recent probe failure, nil after a success.
func (m *Monitor) LastError() error {
	m.stateM.RLock()
	defer m.stateM.RUnlock()
	return m.lastErr
}

// Probe pings once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.pinger.Ping(pctx)
	cancel()
	m.record(err)
	return err
}

func (m *Monitor) record(err error) {
	m.stateM.Lock()
	from := m.state
	to := from
	if err == nil {
		m.failures = 0
		m.lastErr = nil
		if from == StateStarting || from == StateDegraded {
			to = StateReady
		}
	} else {
		m.failures++
		m.lastErr = err
		if from == StateReady && m.failures >= m.opts.FailureThreshold {
			to = StateDegraded
		}
	}
	failures := m.failures
	m.state = to
	m.stateM.Unlock()

	if err != nil {
		obslog.L().Debug("health_probe_failed", zap.Int("consecutive", failures), zap.Error(err))
	}
	if to != from {
		m.notify(from, to)
	}
}

// WaitReady probes with exponential backoff until the first success or
// until ctx ends.
func (m *Monitor) WaitReady(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if m.State() == StateStopped {
			return context.Canceled
		}
		err := m.Probe(ctx)
		if err == nil {
			return nil
		}
		obslog.L().Warn("health_wait_ready", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(attempt)):
		}
	}
}

// Start probes every Interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-t.C:
				if m.State() == StateStopped {
					return
				}
				_ = m.Probe(ctx)
			}
		}
	}()
}

// Stop ends probing; the monitor stays stopped.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.stateM.Lock()
		from := m.state
		m.state = StateStopped
		m.stateM.Unlock()
		if from != StateStopped {
			m.notify(from, StateStopped)
		}
	})
}

func (m *Monitor) OnStateChange(cb StateCallback) int {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	m.nextCbID++
	m.stateCbs = append(m.stateCbs, stateCallbackEntry{id: m.nextCbID, callback: cb})
	return m.nextCbID
}

func (m *Monitor) RemoveStateCallback(id int) {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	for i, cb := range m.stateCbs {
		if cb.id == id {
			m.stateCbs = append(m.stateCbs[:i], m.stateCbs[i+1:]...)
			break
		}
	}
}

func (m *Monitor) notify(from, to State) {
	obslog.L().Info("health_state", zap.String("from", string(from)), zap.String("to", string(to)))
	m.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(m.stateCbs))
	copy(callbacks, m.stateCbs)
	m.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(from, to)
		}
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ... 3.2s
}
