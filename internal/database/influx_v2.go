package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tejusbharadwaj/vuecollect/internal/datapoint"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// lastTimestampRange bounds the last() lookup; it covers the longest
	// backfill lookback.
	lastTimestampRange = "-3w"
)

// InfluxV2Options configures an InfluxV2Sink.
type InfluxV2Options struct {
	URL       string
	Token     string
	Org       string
	Bucket    string
	SSLVerify bool
	Tags      models.TagScheme
}

// InfluxV2Sink stores points in an InfluxDB 2.x bucket.
type InfluxV2Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	opts     InfluxV2Options
	encoder  datapoint.Encoder

	mu     sync.RWMutex
	closed bool
}

// NewInfluxV2Sink connects and pings the server.
func NewInfluxV2Sink(ctx context.Context, opts InfluxV2Options) (*InfluxV2Sink, error) {
	clientOpts := influxdb2.DefaultOptions()
	if strings.HasPrefix(opts.URL, "https://") {
		clientOpts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: !opts.SSLVerify, //nolint:gosec // opt-in via ssl_verify: false
		})
	}
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, clientOpts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB at %s: %w", opts.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB at %s: server not healthy", opts.URL)
	}

	return &InfluxV2Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		queryAPI: client.QueryAPI(opts.Org),
		opts:     opts,
		encoder:  datapoint.PointEncoder{Tags: opts.Tags},
	}, nil
}

func (s *InfluxV2Sink) LastTimestamp(ctx context.Context, filter models.SeriesFilter) (time.Time, bool, error) {
	if err := s.check(); err != nil {
		return time.Time{}, false, err
	}

	result, err := s.queryAPI.Query(ctx, s.lastQuery(filter))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last timestamp: %w", err)
	}
	defer result.Close()

	var last time.Time
	found := false
	for result.Next() {
		ts := result.Record().Time()
		if !found || ts.After(last) {
			last = ts
			found = true
		}
	}
	if err := result.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last timestamp: %w", err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	return last.UTC().Truncate(time.Second), true, nil
}

func (s *InfluxV2Sink) lastQuery(filter models.SeriesFilter) string {
	var b strings.Builder
	fmt.Fprintf(&b, `from(bucket: %s) `, fluxString(s.opts.Bucket))
	fmt.Fprintf(&b, `|> range(start: %s) `, lastTimestampRange)
	fmt.Fprintf(&b, `|> filter(fn: (r) => r._measurement == %s and r[%s] == %s and r._field == %s and `,
		fluxString(models.Measurement),
		fluxString(s.opts.Tags.Name),
		fluxString(s.opts.Tags.Value(filter.Granularity)),
		fluxString(models.FieldUsage),
	)
	if filter.Station != "" {
		fmt.Fprintf(&b, `r.%s == %s and `, models.TagStationName, fluxString(filter.Station))
	}
	fmt.Fprintf(&b, `r.%s == %s) `, models.TagDeviceName, fluxString(filter.ChannelName))
	b.WriteString(`|> last()`)
	return b.String()
}

func (s *InfluxV2Sink) WriteBatch(ctx context.Context, points []models.MeasurementPoint) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	batch := make([]*write.Point, 0, len(points))
	for _, p := range points {
		batch = append(batch, s.encoder.Encode(p).Point())
	}
	if err := s.writeAPI.WritePoint(ctx, batch...); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

// Reset deletes every energy_usage point of the bucket older than before.
func (s *InfluxV2Sink) Reset(ctx context.Context, before time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	predicate := fmt.Sprintf(`_measurement="%s"`, models.Measurement)
	start := time.Unix(0, 0).UTC()
	if err := s.client.DeleteAPI().DeleteWithName(ctx, s.opts.Org, s.opts.Bucket, start, before.UTC(), predicate); err != nil {
		return fmt.Errorf("failed to reset bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

func (s *InfluxV2Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.Close()
	return nil
}

func (s *InfluxV2Sink) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrNotConnected
	}
	return nil
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

// Compile-time interface implementation check
var _ Sink = (*InfluxV2Sink)(nil)
