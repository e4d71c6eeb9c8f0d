// Package resolver decides which time window a channel still needs to
// fetch, by comparing the proposed collection window with the last point
// already stored in the sink.
//
// Windows are clamped on both sides: the start is pulled forward so the
// backfill never reaches further back than the provider's lookback limit,
// and the stop is pulled back so a single API call never exceeds the
// provider's maximum span.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// ErrUnsupportedGranularity is returned for granularities that are never backfilled.
var ErrUnsupportedGranularity = errors.New("resolver: granularity has no backfill window")

// LastTimestamper answers "when was the last point stored for this series".
type LastTimestamper interface {
	LastTimestamp(ctx context.Context, filter models.SeriesFilter) (time.Time, bool, error)
}

// Resolver computes backfill windows for minute and second data.
type Resolver struct {
	sink           LastTimestamper
	detailInterval time.Duration
}

// New returns a Resolver. detailInterval is the configured period between
// detailed (second level) collections.
func New(sink LastTimestamper, detailInterval time.Duration) *Resolver {
	return &Resolver{
		sink:           sink,
		detailInterval: detailInterval,
	}
}

// Resolve returns the window to fetch for the series and whether a
// backfill is needed at all.
func (r *Resolver) Resolve(ctx context.Context, filter models.SeriesFilter, start, stop time.Time) (models.TimeWindow, bool, error) {
	if filter.Granularity != models.Minute && filter.Granularity != models.Second {
		return models.TimeWindow{}, false, fmt.Errorf("%w: %s", ErrUnsupportedGranularity, filter.Granularity)
	}

	last, found, err := r.sink.LastTimestamp(ctx, filter)
	if err != nil {
		return models.TimeWindow{}, false, fmt.Errorf("failed to query last %s timestamp for %q: %w", filter.Granularity, filter.ChannelName, err)
	}

	w, backfill := Adjust(filter.Granularity, last, found, start, stop, r.detailInterval)
	return w, backfill, nil
}

// Adjust is the pure decision behind Resolve. last is ignored when found
// is false. Only Minute and Second granularities are adjusted; any other
// granularity returns the proposed window unchanged.
func Adjust(g models.Granularity, last time.Time, found bool, start, stop time.Time, detailInterval time.Duration) (models.TimeWindow, bool) {
	start, stop = start.UTC(), stop.UTC()
	proposed := models.TimeWindow{Start: start, Stop: stop}

	lookback := g.MaxLookback(detailInterval)
	span := g.MaxFetchSpan()
	if lookback == 0 || span == 0 {
		return proposed, false
	}

	if !found {
		start = start.Add(-lookback)
	} else {
		last = last.UTC()
		if !needsBackfill(g, last, start, stop) {
			return clamp(proposed, lookback, span), false
		}
		start = last.Add(g.Unit())
		if g == models.Second {
			start = start.Truncate(time.Second)
		}
	}

	return clamp(models.TimeWindow{Start: start, Stop: stop}, lookback, span), true
}

// clamp keeps w within lookback of its stop and no wider than span.
func clamp(w models.TimeWindow, lookback, span time.Duration) models.TimeWindow {
	if earliest := w.Stop.Add(-lookback); w.Start.Before(earliest) {
		w.Start = earliest
	}
	if w.Start.After(w.Stop) {
		w.Start = w.Stop
	}
	if w.Span() > span {
		w.Stop = w.Start.Add(span)
	}
	return w
}

func needsBackfill(g models.Granularity, last, start, stop time.Time) bool {
	switch g {
	case models.Minute:
		threshold := stop.Add(-2*time.Minute - time.Duration(stop.Second())*time.Second)
		return last.Before(threshold)
	case models.Second:
		return last.Before(start.Add(-2 * time.Second))
	default:
		return false
	}
}
