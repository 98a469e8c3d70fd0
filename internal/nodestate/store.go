// Package nodestate tracks the latest reading, liveness and alert history of every node.
//
// Each node has its own lock. The store-wide lock only guards the node index
// and is never held while a node entry is being read or modified.
package nodestate

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Liveness is derived from the age of the last reading.
type Liveness string

const (
	Online  Liveness = "ONLINE"
	Idle    Liveness = "IDLE"
	Offline Liveness = "OFFLINE"
)

// LivenessConfig derives the liveness windows from the expected send interval.
type LivenessConfig struct {
	SendInterval    time.Duration `mapstructure:"send_interval"`
	FreshMultiplier float64       `mapstructure:"fresh_multiplier"`
	StaleMultiplier float64       `mapstructure:"stale_multiplier"`
}

// DefaultLivenessConfig gives a two minute fresh window and a ten minute stale window.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		SendInterval:    time.Minute,
		FreshMultiplier: 2,
		StaleMultiplier: 10,
	}
}

// Validate checks that the windows are positive and ordered.
func (c LivenessConfig) Validate() error {
	if c.SendInterval <= 0 {
		return errors.New("send interval must be positive")
	}
	if c.FreshMultiplier <= 0 {
		return errors.New("fresh multiplier must be positive")
	}
	if c.FreshMultiplier >= c.StaleMultiplier {
		return errors.New("fresh multiplier must be smaller than stale multiplier")
	}
	return nil
}

// FreshWindow is the maximum age of an ONLINE node.
func (c LivenessConfig) FreshWindow() time.Duration {
	return time.Duration(float64(c.SendInterval) * c.FreshMultiplier)
}

// StaleWindow is the maximum age of an IDLE node.
func (c LivenessConfig) StaleWindow() time.Duration {
	return time.Duration(float64(c.SendInterval) * c.StaleMultiplier)
}

// Classify maps the age of the last reading to a liveness state.
func (c LivenessConfig) Classify(age time.Duration) Liveness {
	switch {
	case age <= c.FreshWindow():
		return Online
	case age <= c.StaleWindow():
		return Idle
	default:
		return Offline
	}
}

// Snapshot is a point-in-time copy of a node's state.
type Snapshot struct {
	LastSeenAt      time.Time               `json:"last_seen_at"`
	LastAlertSentAt *time.Time              `json:"last_alert_sent_at,omitempty"`
	NodeID          string                  `json:"node_id"`
	Liveness        Liveness                `json:"liveness"`
	LastReading     telemetry.SensorReading `json:"last_reading"`
}

// Summary counts nodes by liveness.
type Summary struct {
	Online  int `json:"online"`
	Idle    int `json:"idle"`
	Offline int `json:"offline"`
	Total   int `json:"total"`
}

type entry struct {
	mu            sync.Mutex
	lastReading   telemetry.SensorReading
	lastSeenAt    time.Time
	lastAlertAt   time.Time
	alertInFlight bool
}

// Store is the in-memory node state table. The zero value is not usable; call New.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*entry
	liveness LivenessConfig
}

// New creates an empty store.
func New(cfg LivenessConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		nodes:    make(map[string]*entry),
		liveness: cfg,
	}, nil
}

// Liveness returns the configured liveness windows.
func (s *Store) Liveness() LivenessConfig {
	return s.liveness
}

func (s *Store) lookup(nodeID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (s *Store) getOrCreate(nodeID string) *entry {
	if e := s.lookup(nodeID); e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.nodes[nodeID]; ok {
		return e
	}
	e := &entry{}
	s.nodes[nodeID] = e
	return e
}

// Update records a reading as the node's latest and marks it seen at now.
func (s *Store) Update(nodeID string, r telemetry.SensorReading, now time.Time) {
	e := s.getOrCreate(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReading = r
	e.lastSeenAt = now
}

// Restore seeds a node from persisted history. An entry that is already
// newer than seenAt is left untouched.
func (s *Store) Restore(nodeID string, r telemetry.SensorReading, seenAt time.Time) {
	e := s.getOrCreate(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastSeenAt.IsZero() && e.lastSeenAt.After(seenAt) {
		return
	}
	e.lastReading = r
	e.lastSeenAt = seenAt
}

func (s *Store) snapshot(nodeID string, e *entry, now time.Time) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		NodeID:      nodeID,
		LastReading: e.lastReading,
		LastSeenAt:  e.lastSeenAt,
		Liveness:    s.liveness.Classify(now.Sub(e.lastSeenAt)),
	}
	if !e.lastAlertAt.IsZero() {
		t := e.lastAlertAt
		snap.LastAlertSentAt = &t
	}
	return snap
}

// Get returns the node's snapshot with liveness computed at now.
func (s *Store) Get(nodeID string, now time.Time) (Snapshot, bool) {
	e := s.lookup(nodeID)
	if e == nil {
		return Snapshot{}, false
	}
	return s.snapshot(nodeID, e, now), true
}

var livenessOrder = map[Liveness]int{Online: 0, Idle: 1, Offline: 2}

// List returns every node, online first, then by node id.
func (s *Store) List(now time.Time) []Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.nodes))
	entries := make([]*entry, 0, len(s.nodes))
	for id, e := range s.nodes {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for i, id := range ids {
		out = append(out, s.snapshot(id, entries[i], now))
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if d := livenessOrder[a.Liveness] - livenessOrder[b.Liveness]; d != 0 {
			return d
		}
		return strings.Compare(a.NodeID, b.NodeID)
	})
	return out
}

// Summarize counts nodes by liveness at now.
func (s *Store) Summarize(now time.Time) Summary {
	var sum Summary
	for _, snap := range s.List(now) {
		switch snap.Liveness {
		case Online:
			sum.Online++
		case Idle:
			sum.Idle++
		case Offline:
			sum.Offline++
		}
		sum.Total++
	}
	return sum
}

// MayAlert reports whether the cooldown since the last delivered alert has elapsed.
func (s *Store) MayAlert(nodeID string, now time.Time, cooldown time.Duration) bool {
	e := s.lookup(nodeID)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cooledDown(e, now, cooldown)
}

func cooledDown(e *entry, now time.Time, cooldown time.Duration) bool {
	return e.lastAlertAt.IsZero() || now.Sub(e.lastAlertAt) >= cooldown
}

// TryBeginAlert atomically checks the cooldown and marks an alert in flight.
// It returns false when the cooldown is active or another alert for the
// node is already being sent.
func (s *Store) TryBeginAlert(nodeID string, now time.Time, cooldown time.Duration) bool {
	e := s.getOrCreate(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alertInFlight || !cooledDown(e, now, cooldown) {
		return false
	}
	e.alertInFlight = true
	return true
}

// FinishAlert clears the in-flight mark. The send time is recorded only when
// the alert was delivered.
func (s *Store) FinishAlert(nodeID string, sentAt time.Time, delivered bool) {
	e := s.getOrCreate(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alertInFlight = false
	if delivered {
		e.lastAlertAt = sentAt
	}
}
