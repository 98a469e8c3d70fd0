// Package generator produces synthetic flood-node telemetry for simulation and seeding.
package generator

import (
	"fmt"
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

// Node describes a simulated field node.
type Node struct {
	NodeID   string
	Location string  `fake:"{street}, {city}"`
	Baseline float64 `fake:"{float64range:5,35}"` // dry-weather water height in cm
}

// NewFleet creates n nodes with sequential identifiers.
func NewFleet(f *gofakeit.Faker, n int) ([]Node, error) {
	nodes := make([]Node, 0, n)
	for i := range n {
		var node Node
		if err := f.Struct(&node); err != nil {
			return nil, fmt.Errorf("generate node %d: %w", i, err)
		}
		node.NodeID = fmt.Sprintf("NODE-%03d", i+1)
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// Sensor ranges of the reference hardware.
const (
	maxWaterCM = 150.0
	maxPiezo   = 1023.0
	maxRain    = 100.0
)

// ReadingGenerator emits correlated readings for one node. Rain intensity
// follows a storm random walk; the water level rises with the storm and
// relaxes towards the node baseline afterwards. Not safe for concurrent use.
type ReadingGenerator struct {
	faker      *gofakeit.Faker
	node       Node
	water      float64
	storm      float64 // 0 (dry) .. 1 (downpour)
	stormTrend float64
}

// NewReadingGenerator starts a generator at the node's baseline.
func NewReadingGenerator(f *gofakeit.Faker, node Node) *ReadingGenerator {
	return &ReadingGenerator{
		faker: f,
		node:  node,
		water: node.Baseline,
	}
}

// Node returns the node the generator simulates.
func (g *ReadingGenerator) Node() Node {
	return g.node
}

// ForceStorm sets the storm intensity, clamped to [0,1].
func (g *ReadingGenerator) ForceStorm(intensity float64) {
	g.storm = clamp(intensity, 0, 1)
	g.stormTrend = 0
}

// Next advances the simulation one step and returns the reading for t.
func (g *ReadingGenerator) Next(t time.Time) telemetry.SensorReading {
	g.advanceStorm()

	// Water rises with rain and drains towards the baseline.
	inflow := g.storm * 4
	drain := (g.water - g.node.Baseline) * 0.08
	g.water = clamp(g.water+inflow-drain+g.noise(0.8), 0, maxWaterCM)

	rain := clamp(g.storm*maxRain+g.noise(5), 0, maxRain)
	piezo := clamp(g.storm*900+g.noise(40), 0, maxPiezo)

	return telemetry.SensorReading{
		NodeID:          g.node.NodeID,
		Location:        g.node.Location,
		Timestamp:       t.UTC(),
		UltrasonicValue: round1(g.water),
		PiezoValue:      math.Round(piezo),
		RainSensorValue: round1(rain),
	}
}

func (g *ReadingGenerator) advanceStorm() {
	switch {
	case g.stormTrend == 0 && g.faker.Float64() < 0.05:
		// A front arrives.
		g.stormTrend = g.faker.Float64Range(0.05, 0.2)
	case g.stormTrend > 0 && (g.storm >= 1 || g.faker.Float64() < 0.1):
		// Peak passed.
		g.stormTrend = -g.faker.Float64Range(0.03, 0.1)
	}

	g.storm = clamp(g.storm+g.stormTrend, 0, 1)
	if g.storm == 0 && g.stormTrend < 0 {
		g.stormTrend = 0
	}
}

func (g *ReadingGenerator) noise(amplitude float64) float64 {
	return (g.faker.Float64() - 0.5) * 2 * amplitude
}

// History generates readings from start (inclusive) to end (exclusive) every step.
func (g *ReadingGenerator) History(start, end time.Time, step time.Duration) []telemetry.SensorReading {
	if step <= 0 || !end.After(start) {
		return nil
	}
	out := make([]telemetry.SensorReading, 0, int(end.Sub(start)/step)+1)
	for t := start; t.Before(end); t = t.Add(step) {
		out = append(out, g.Next(t))
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
