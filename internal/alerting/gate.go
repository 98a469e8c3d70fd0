// Package alerting decides whether an assessment becomes a notification and
// delivers it while honouring the per-node cooldown.
package alerting

import (
	"sync"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/internal/nodestate"
)

// Gate enforces the per-node alert cooldown on top of the node state store.
type Gate struct {
	states *nodestate.Store
}

// NewGate creates a gate backed by states.
func NewGate(states *nodestate.Store) *Gate {
	return &Gate{states: states}
}

// MayAlert reports whether nodeID is outside its cooldown window at now.
func (g *Gate) MayAlert(nodeID string, now time.Time, cooldown time.Duration) bool {
	return g.states.MayAlert(nodeID, now, cooldown)
}

// Acquire reserves the right to send one alert for nodeID. At most one lease
// per node is outstanding at any time. The lease must be committed after a
// confirmed send or released after a failed one.
func (g *Gate) Acquire(nodeID string, now time.Time, cooldown time.Duration) (*Lease, bool) {
	if !g.states.TryBeginAlert(nodeID, now, cooldown) {
		return nil, false
	}
	return &Lease{states: g.states, nodeID: nodeID}, true
}

// Lease is an outstanding alert reservation. Only the first Commit or
// Release takes effect.
type Lease struct {
	states *nodestate.Store
	nodeID string
	once   sync.Once
}

// Commit records sentAt as the node's last alert time.
func (l *Lease) Commit(sentAt time.Time) {
	l.once.Do(func() { l.states.FinishAlert(l.nodeID, sentAt, true) })
}

// Release gives the reservation back without starting a cooldown.
func (l *Lease) Release() {
	l.once.Do(func() { l.states.FinishAlert(l.nodeID, time.Time{}, false) })
}
