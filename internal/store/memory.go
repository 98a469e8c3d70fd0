package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// DefaultMemoryCapacity is the number of records kept per node.
const DefaultMemoryCapacity = 1000

// Memory keeps the most recent records of each node in process memory.
type Memory struct {
	mu       sync.RWMutex
	nodes    map[string][]Record
	capacity int
	closed   bool
	now      func() time.Time
}

// NewMemory creates a memory store holding up to capacity records per node.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{
		nodes:    make(map[string][]Record),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, r telemetry.SensorReading) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id, err := NewRecordID()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	buf := m.nodes[r.NodeID]
	if len(buf) >= m.capacity {
		// A full buffer keeps the newest readings: a reading older than all of
		// them is evicted straight away, otherwise the oldest one goes.
		if r.Timestamp.Before(buf[0].Timestamp) {
			return id, nil
		}
		buf = buf[1:]
	}
	rec := Record{SensorReading: r, ID: id, StoredAt: m.now().UTC()}
	i, _ := slices.BinarySearchFunc(buf, rec, func(a, b Record) int {
		if a.Timestamp.After(b.Timestamp) {
			return 1
		}
		return -1
	})
	m.nodes[r.NodeID] = slices.Insert(buf, i, rec)
	return id, nil
}

// Query implements Store.
func (m *Memory) Query(ctx context.Context, q Query) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var matched []Record
	collect := func(buf []Record) {
		for _, rec := range buf {
			if q.matches(rec.SensorReading) {
				matched = append(matched, rec)
			}
		}
	}
	if q.NodeID != "" {
		collect(m.nodes[q.NodeID])
	} else {
		for _, buf := range m.nodes {
			collect(buf)
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(matched, compareRecords)
	if len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

// Latest implements Store.
func (m *Memory) Latest(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Record, 0, len(m.nodes))
	for _, buf := range m.nodes {
		if len(buf) > 0 {
			out = append(out, buf[len(buf)-1])
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.nodes = nil
	return nil
}

func compareRecords(a, b Record) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
