// Package heartbeat supervises connection liveness with one shared ticker.
package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the liveness state of a monitored connection.
type State int

const (
	Healthy State = iota
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config controls probing.
type Config struct {
	Interval  time.Duration `yaml:"interval" json:"interval"`
	MaxMissed int           `yaml:"max_missed" json:"max_missed"`
}

// DefaultConfig returns a 30s interval with three missed probes allowed.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, MaxMissed: 3}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = def.MaxMissed
	}
	return c
}

// ProbeFunc sends a heartbeat probe to a degraded connection.
type ProbeFunc func(connID string, missed int) error

// EvictFunc closes a connection that exhausted its probes.
type EvictFunc func(connID string, missed int)

// Monitor tracks one connection.
type Monitor struct {
	connID   string
	lastBeat time.Time
	missed   int
	state    State
}

// Snapshot is a read-only view of a monitor.
type Snapshot struct {
	ConnID   string
	LastBeat time.Time
	Missed   int
	State    State
}

// Supervisor owns every monitor of the node.
type Supervisor struct {
	config Config
	probe  ProbeFunc
	evict  EvictFunc
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	monitors map[string]*Monitor
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSupervisor creates a supervisor. probe and evict may be nil.
func NewSupervisor(cfg Config, probe ProbeFunc, evict EvictFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		config:   cfg.withDefaults(),
		probe:    probe,
		evict:    evict,
		logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
		monitors: make(map[string]*Monitor),
	}
}

// Interval returns the probe interval.
func (s *Supervisor) Interval() time.Duration {
	return s.config.Interval
}

// Register starts monitoring connID as healthy.
func (s *Supervisor) Register(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[connID] = &Monitor{connID: connID, lastBeat: s.now(), state: Healthy}
}

// Remove stops monitoring connID.
func (s *Supervisor) Remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.monitors, connID)
}

// Beat records client activity and resets the missed count. It reports
// whether connID is monitored.
func (s *Supervisor) Beat(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[connID]
	if !ok {
		return false
	}
	m.lastBeat = s.now()
	m.missed = 0
	m.state = Healthy
	return true
}

// Snapshot returns the monitor of connID.
func (s *Supervisor) Snapshot(connID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[connID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{ConnID: m.connID, LastBeat: m.lastBeat, Missed: m.missed, State: m.state}, true
}

// Len returns the number of monitored connections.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Start runs the shared ticker until ctx ends or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer func() {
		ticker.Stop()
		s.mu.Lock()
		s.running = false
		close(s.doneCh)
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()
	<-doneCh
}

type action struct {
	connID string
	missed int
}

// sweep advances every stale monitor by one missed probe. Callbacks run
// after the lock is released.
func (s *Supervisor) sweep(now time.Time) (probed, evicted []string) {
	var probes, evictions []action
	s.mu.Lock()
	for id, m := range s.monitors {
		if now.Sub(m.lastBeat) < s.config.Interval {
			continue
		}
		m.missed++
		if m.missed >= s.config.MaxMissed {
			m.state = Closed
			delete(s.monitors, id)
			evictions = append(evictions, action{id, m.missed})
			continue
		}
		m.state = Degraded
		probes = append(probes, action{id, m.missed})
	}
	s.mu.Unlock()

	sort.Slice(probes, func(i, j int) bool { return probes[i].connID < probes[j].connID })
	sort.Slice(evictions, func(i, j int) bool { return evictions[i].connID < evictions[j].connID })

	for _, p := range probes {
		probed = append(probed, p.connID)
		if s.probe == nil {
			continue
		}
		if err := s.probe(p.connID, p.missed); err != nil {
			s.logger.Debug("heartbeat probe failed", "conn_id", p.connID, "missed", p.missed, "error", err)
		}
	}
	for _, e := range evictions {
		evicted = append(evicted, e.connID)
		s.logger.Info("evicting unresponsive connection", "conn_id", e.connID, "missed", e.missed)
		if s.evict != nil {
			s.evict(e.connID, e.missed)
		}
	}
	return probed, evicted
}
