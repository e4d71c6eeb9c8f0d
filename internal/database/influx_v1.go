package database

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tejusbharadwaj/vuecollect/internal/datapoint"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

const v1BatchSize = 5000

// InfluxV1Options configures an InfluxV1Sink.
type InfluxV1Options struct {
	Host      string
	Port      int
	User      string
	Pass      string
	Database  string
	SSLEnable bool
	SSLVerify bool
	Tags      models.TagScheme
	Timeout   time.Duration
}

// InfluxV1Sink stores points through the InfluxDB 1.x HTTP API.
type InfluxV1Sink struct {
	http    *resty.Client
	opts    InfluxV1Options
	encoder datapoint.Encoder

	mu     sync.RWMutex
	closed bool
}

type v1Response struct {
	Results []struct {
		Series []struct {
			Columns []string        `json:"columns"`
			Values  [][]interface{} `json:"values"`
		} `json:"series"`
		Error string `json:"error"`
	} `json:"results"`
	Error string `json:"error"`
}

// NewInfluxV1Sink pings the server and creates the database if missing.
func NewInfluxV1Sink(ctx context.Context, opts InfluxV1Options) (*InfluxV1Sink, error) {
	scheme := "http"
	if opts.SSLEnable {
		scheme = "https"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port)).
		SetTimeout(opts.Timeout)
	if opts.SSLEnable {
		client.SetTLSClientConfig(&tls.Config{
			InsecureSkipVerify: !opts.SSLVerify, //nolint:gosec // opt-in via ssl_verify: false
		})
	}
	if opts.User != "" {
		client.SetQueryParams(map[string]string{"u": opts.User, "p": opts.Pass})
	}

	s := &InfluxV1Sink{
		http:    client,
		opts:    opts,
		encoder: datapoint.MapEncoder{Tags: opts.Tags},
	}

	resp, err := client.R().SetContext(ctx).Get("/ping")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to InfluxDB at %s: %w", client.BaseURL, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("failed to connect to InfluxDB at %s: got %d", client.BaseURL, resp.StatusCode())
	}

	if _, err := s.query(ctx, http.MethodPost, fmt.Sprintf("CREATE DATABASE %s", influxIdent(opts.Database))); err != nil {
		return nil, fmt.Errorf("failed to create database %s: %w", opts.Database, err)
	}
	return s, nil
}

func (s *InfluxV1Sink) LastTimestamp(ctx context.Context, filter models.SeriesFilter) (time.Time, bool, error) {
	if err := s.check(); err != nil {
		return time.Time{}, false, err
	}

	var where []string
	if filter.Station != "" {
		where = append(where, fmt.Sprintf("%s = %s", models.TagStationName, influxQuote(filter.Station)))
	}
	where = append(where,
		fmt.Sprintf("%s = %s", models.TagDeviceName, influxQuote(filter.ChannelName)),
		fmt.Sprintf("%s = %s", influxIdent(s.opts.Tags.Name), influxQuote(s.opts.Tags.Value(filter.Granularity))),
	)
	q := fmt.Sprintf("SELECT last(%s) FROM %s WHERE (%s)", models.FieldUsage, models.Measurement, strings.Join(where, " AND "))

	res, err := s.query(ctx, http.MethodGet, q)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last timestamp: %w", err)
	}
	if len(res.Results) == 0 || len(res.Results[0].Series) == 0 || len(res.Results[0].Series[0].Values) == 0 {
		return time.Time{}, false, nil
	}

	raw, ok := res.Results[0].Series[0].Values[0][0].(string)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unexpected time value %v", res.Results[0].Series[0].Values[0][0])
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse time %q: %w", raw, err)
	}
	return ts.UTC().Truncate(time.Second), true, nil
}

// WriteBatch posts the points as line protocol in chunks of 5000.
func (s *InfluxV1Sink) WriteBatch(ctx context.Context, points []models.MeasurementPoint) error {
	if err := s.check(); err != nil {
		return err
	}

	for start := 0; start < len(points); start += v1BatchSize {
		end := start + v1BatchSize
		if end > len(points) {
			end = len(points)
		}

		lines := make([]string, 0, end-start)
		for _, p := range points[start:end] {
			lines = append(lines, datapoint.LineProtocol(s.encoder.Encode(p)))
		}

		resp, err := s.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"db": s.opts.Database, "precision": "ns"}).
			SetHeader("Content-Type", "text/plain; charset=utf-8").
			SetBody(strings.Join(lines, "\n")).
			Post("/write")
		if err != nil {
			return fmt.Errorf("failed to write points: %w", err)
		}
		if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("failed to write points: got %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
		}
	}
	return nil
}

// Reset deletes every energy_usage point older than before.
func (s *InfluxV1Sink) Reset(ctx context.Context, before time.Time) error {
	if err := s.check(); err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE time < '%s'", models.Measurement, before.UTC().Format(time.RFC3339))
	if _, err := s.query(ctx, http.MethodPost, q); err != nil {
		return fmt.Errorf("failed to reset database %s: %w", s.opts.Database, err)
	}
	return nil
}

func (s *InfluxV1Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InfluxV1Sink) query(ctx context.Context, method, q string) (*v1Response, error) {
	req := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"db": s.opts.Database, "q": q})

	var resp *resty.Response
	var err error
	if method == http.MethodPost {
		resp, err = req.Post("/query")
	} else {
		resp, err = req.Get("/query")
	}
	if err != nil {
		return nil, err
	}

	var out v1Response
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	for _, r := range out.Results {
		if r.Error != "" {
			return nil, errors.New(r.Error)
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("got %d", resp.StatusCode())
	}
	return &out, nil
}

func (s *InfluxV1Sink) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrNotConnected
	}
	return nil
}

var influxQuoteEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func influxQuote(s string) string {
	return "'" + influxQuoteEscaper.Replace(s) + "'"
}

func influxIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// Compile-time interface implementation check
var _ Sink = (*InfluxV1Sink)(nil)
