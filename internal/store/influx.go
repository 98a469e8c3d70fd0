package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mhdhaikalll/IoT-Flood-System/pkg/telemetry"
)

const influxDefaultMeasurement = "sensor_reading"

// InfluxConfig holds the InfluxDB v2 connection settings.
type InfluxConfig struct {
	Logger      *slog.Logger `mapstructure:"-"`
	URL         string       `mapstructure:"url"`
	Token       string       `mapstructure:"token"`
	Org         string       `mapstructure:"org"`
	Bucket      string       `mapstructure:"bucket"`
	Measurement string       `mapstructure:"measurement"`
}

// Influx stores records as points in an InfluxDB bucket.
// The node id and record id are tags, so two readings of one node with the
// same timestamp stay separate points. The sensor values and location are fields.
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	queryAPI    api.QueryAPI
	logger      *slog.Logger
	bucket      string
	measurement string
}

// NewInflux creates the client. It does not contact the server; use Ping.
func NewInflux(cfg *InfluxConfig) (*Influx, error) {
	if cfg == nil {
		return nil, errors.New("influx config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, org and bucket are required")
	}

	measurement := cfg.Measurement
	if measurement == "" {
		measurement = influxDefaultMeasurement
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	cfg.Logger.Info("influxdb client created", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)

	return &Influx{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI:    client.QueryAPI(cfg.Org),
		logger:      cfg.Logger,
		bucket:      cfg.Bucket,
		measurement: measurement,
	}, nil
}

// Ping checks that the server is reachable.
func (db *Influx) Ping(ctx context.Context) error {
	ok, err := db.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influxdb: %w", err)
	}
	if !ok {
		return errors.New("influxdb is not ready")
	}
	return nil
}

// Append implements Store.
func (db *Influx) Append(ctx context.Context, r telemetry.SensorReading) (string, error) {
	id, err := NewRecordID()
	if err != nil {
		return "", err
	}
	if err := db.writeAPI.WritePoint(ctx, db.buildPoint(id, r)); err != nil {
		return "", fmt.Errorf("write point: %w", err)
	}
	return id, nil
}

func (db *Influx) buildPoint(id string, r telemetry.SensorReading) *write.Point {
	tags := map[string]string{
		"node_id":   r.NodeID,
		"record_id": id,
	}
	fields := map[string]interface{}{
		"location":          r.Location,
		"piezo_value":       r.PiezoValue,
		"ultrasonic_value":  r.UltrasonicValue,
		"rain_sensor_value": r.RainSensorValue,
	}
	return write.NewPoint(db.measurement, tags, fields, r.Timestamp.UTC())
}

// Query implements Store.
func (db *Influx) Query(ctx context.Context, q Query) ([]Record, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	recs, err := db.run(ctx, db.buildQuery(q))
	if err != nil {
		return nil, err
	}
	// The query sorts newest first so that limit keeps the most recent points.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// Latest implements Store.
func (db *Influx) Latest(ctx context.Context) ([]Record, error) {
	flux := db.source(time.Time{}, time.Time{}, "") + `
  |> group(columns: ["node_id"])
  |> sort(columns: ["_time", "record_id"], desc: true)
  |> limit(n: 1)
  |> group()
  |> sort(columns: ["node_id"])`
	return db.run(ctx, flux)
}

// Close implements Store.
func (db *Influx) Close() error {
	db.client.Close()
	return nil
}

func (db *Influx) buildQuery(q Query) string {
	return db.source(q.Since, q.Until, q.NodeID) + fmt.Sprintf(`
  |> group()
  |> sort(columns: ["_time", "record_id"], desc: true)
  |> limit(n: %d)`, q.Limit)
}

func (db *Influx) source(since, until time.Time, nodeID string) string {
	start := "0"
	if !since.IsZero() {
		start = since.UTC().Format(time.RFC3339Nano)
	}
	stop := "now()"
	if !until.IsZero() {
		// range stop is exclusive
		stop = until.UTC().Add(time.Nanosecond).Format(time.RFC3339Nano)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", strconv.Quote(db.bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n", start, stop)
	fmt.Fprintf(&b, "  |> filter(fn: (r) => r._measurement == %s)\n", strconv.Quote(db.measurement))
	if nodeID != "" {
		fmt.Fprintf(&b, "  |> filter(fn: (r) => r.node_id == %s)\n", strconv.Quote(nodeID))
	}
	b.WriteString(`  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")`)
	return b.String()
}

func (db *Influx) run(ctx context.Context, flux string) ([]Record, error) {
	result, err := db.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("query influxdb: %w", err)
	}
	defer result.Close()

	var out []Record
	for result.Next() {
		out = append(out, fromFluxRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read influxdb result: %w", err)
	}
	return out, nil
}

func fromFluxRecord(rec *query.FluxRecord) Record {
	return Record{
		ID:       stringValue(rec.ValueByKey("record_id")),
		StoredAt: rec.Time().UTC(),
		SensorReading: telemetry.SensorReading{
			NodeID:          stringValue(rec.ValueByKey("node_id")),
			Location:        stringValue(rec.ValueByKey("location")),
			Timestamp:       rec.Time().UTC(),
			PiezoValue:      floatValue(rec.ValueByKey("piezo_value")),
			UltrasonicValue: floatValue(rec.ValueByKey("ultrasonic_value")),
			RainSensorValue: floatValue(rec.ValueByKey("rain_sensor_value")),
		},
	}
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func floatValue(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	default:
		return 0
	}
}
