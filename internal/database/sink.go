//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/sink.go -package=mocks . Sink

// Package database persists measurement points and answers last-timestamp
// queries for the collector.
//
// Three sinks share one interface:
//   - InfluxV2Sink talks to InfluxDB 2.x through the official client
//   - InfluxV1Sink talks to the InfluxDB 1.x HTTP API
//   - TimescaleSink stores points in a TimescaleDB hypertable
//
// Example usage:
//
//	sink, err := database.NewInfluxV2Sink(ctx, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//
//	last, found, err := sink.LastTimestamp(ctx, filter)
package database

import (
	"context"
	"errors"
	"time"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// ErrNotConnected is returned when a sink is used after Close.
var ErrNotConnected = errors.New("database: sink is not connected")

// Sink defines the storage operations the collector relies on.
type Sink interface {
	// LastTimestamp returns the newest stored timestamp for the series.
	// found is false when the series has no points yet.
	LastTimestamp(ctx context.Context, filter models.SeriesFilter) (last time.Time, found bool, err error)

	// WriteBatch stores the points in one request or transaction.
	WriteBatch(ctx context.Context, points []models.MeasurementPoint) error

	// Reset deletes every energy_usage point older than before.
	Reset(ctx context.Context, before time.Time) error

	// Close releases the connection.
	Close() error
}
