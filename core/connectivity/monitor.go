package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trezcool/feeledger/core"
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition sources
const (
	SourceProbe = "probe"
	SourceEvent = "event"
)

type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

// Prober does a cheap read against the remote.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks the online/offline state from platform events and a periodic probe.
// It starts offline; the first successful probe is an offline→online transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   core.Logger
	clock    core.Clock

	mu    sync.RWMutex
	state State
	subs  map[int]chan Transition
	subID int
}

func NewMonitor(prober Prober, interval, timeout time.Duration, logger core.Logger, clock ...core.Clock) *Monitor {
	m := &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		subs:     make(map[int]chan Transition),
	}
	if len(clock) > 0 {
		m.clock = clock[0]
	}
	return m
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one reachability check and records its outcome.
func (m *Monitor) Probe(ctx context.Context) State {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(pctx)
	if ctx.Err() != nil {
		return m.State()
	}
	if err != nil {
		if m.set(Offline, SourceProbe) {
			m.logger.Warn("connectivity: remote unreachable", err)
		}
		return Offline
	}
	m.set(Online, SourceProbe)
	return Online
}

// Report feeds a platform online/offline event.
func (m *Monitor) Report(online bool) {
	state := Offline
	if online {
		state = Online
	}
	m.set(state, SourceEvent)
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Online() bool { return m.State() == Online }

// Subscribe returns a channel receiving every transition, and a func to unsubscribe.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.subID
	m.subID++
	ch := make(chan Transition, 16)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// set records the new state and reports whether it changed.
func (m *Monitor) set(state State, source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == state {
		return false
	}
	tr := Transition{From: m.state, To: state, At: m.clock.Now(), Source: source}
	m.state = state
	m.logger.Info(fmt.Sprintf("connectivity: %s -> %s (%s)", tr.From, tr.To, source))

	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			m.logger.Warn("connectivity: subscriber too slow, transition dropped")
		}
	}
	return true
}
