// Package collector walks the device trees returned by the metering API
// and turns channel usage into measurement points.
//
// Live collection emits one minute point per channel, catching up on
// minute data missed while the collector was down, plus second data when
// a detail collection is due. Hour and Day modes emit the single usage
// value of the elapsed period. History mode backfills hour and day data
// for a closed time range.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/vuecollect/internal/datapoint"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// Mode selects what a walk collects.
type Mode int

const (
	ModeLive Mode = iota
	ModeHour
	ModeDay
	ModeHistory
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeHour:
		return "hour"
	case ModeDay:
		return "day"
	case ModeHistory:
		return "history"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CollectionContext carries the per-cycle parameters of a walk.
type CollectionContext struct {
	StopTime       time.Time
	DetailStart    time.Time
	CollectDetails bool
	SecondsEnabled bool
	Mode           Mode
	// PointTime is the timestamp of Hour and Day points.
	PointTime time.Time
	// History is the closed range fetched in ModeHistory.
	History  models.TimeWindow
	Location *time.Location
}

// WindowResolver decides which window of a series still needs fetching.
type WindowResolver interface {
	Resolve(ctx context.Context, filter models.SeriesFilter, start, stop time.Time) (models.TimeWindow, bool, error)
}

// aggregateChannels only ever produce minute points.
var aggregateChannels = map[string]bool{
	"Balance":    true,
	"TotalUsage": true,
}

// IsAggregate reports whether the channel number is a computed pseudo-channel.
func IsAggregate(channelNum string) bool {
	return aggregateChannels[channelNum]
}

type Walker struct {
	resolver     WindowResolver
	stationField bool
	logger       logrus.FieldLogger
}

func NewWalker(resolver WindowResolver, stationField bool, logger logrus.FieldLogger) *Walker {
	return &Walker{
		resolver:     resolver,
		stationField: stationField,
		logger:       logger,
	}
}

// channelRef is a channel with its resolved names.
type channelRef struct {
	node    *models.ChannelNode
	device  string
	name    string
	factory datapoint.Factory
}

func (c channelRef) filter(g models.Granularity) models.SeriesFilter {
	f := models.SeriesFilter{ChannelName: c.name, Granularity: g}
	if c.factory.StationField {
		f.Station = c.device
	}
	return f
}

// Extract appends the points of every channel of dev, nested devices
// first, to buf. It stops at the first channel error, and checks ctx after
// every channel.
func (w *Walker) Extract(ctx context.Context, acct *Account, dev *models.DeviceNode, buf *Buffer, cc CollectionContext) error {
	deviceName, err := acct.DeviceName(ctx, dev.Gid)
	if err != nil {
		return err
	}
	factory := datapoint.Factory{AccountName: acct.Name, StationField: w.stationField}

	for _, ch := range dev.Channels {
		for _, nested := range ch.NestedDevices {
			if err := w.Extract(ctx, acct, nested, buf, cc); err != nil {
				return err
			}
		}

		name, err := acct.ChannelName(ctx, ch)
		if err != nil {
			return fmt.Errorf("channel %s of device %s: %w", ch.ChannelNum, deviceName, err)
		}

		ref := channelRef{node: ch, device: deviceName, name: name, factory: factory}
		if err := w.extractChannel(ctx, acct, ref, buf, cc); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) extractChannel(ctx context.Context, acct *Account, c channelRef, buf *Buffer, cc CollectionContext) error {
	aggregate := IsAggregate(c.node.ChannelNum)

	if c.node.Usage != nil {
		kwh := *c.node.Usage
		switch cc.Mode {
		case ModeLive:
			if err := w.extractMinutes(ctx, acct, c, kwh, aggregate, buf, cc); err != nil {
				return err
			}
		case ModeHour:
			buf.Add(c.factory.New(c.device, c.name, models.Hour, datapoint.Watts(models.Hour, kwh), cc.PointTime))
		case ModeDay:
			buf.Add(c.factory.New(c.device, c.name, models.Day, datapoint.Watts(models.Day, kwh), cc.PointTime))
		}
	}

	if aggregate {
		return nil
	}

	switch {
	case cc.Mode == ModeLive && cc.CollectDetails && cc.SecondsEnabled:
		return w.extractSeconds(ctx, acct, c, buf, cc)
	case cc.Mode == ModeHistory:
		return w.extractHistory(ctx, acct, c, buf, cc)
	}
	return nil
}

func (w *Walker) extractMinutes(ctx context.Context, acct *Account, c channelRef, kwh float64, aggregate bool, buf *Buffer, cc CollectionContext) error {
	simple := func() {
		ts := cc.StopTime.Truncate(time.Minute)
		buf.Add(c.factory.New(c.device, c.name, models.Minute, datapoint.Watts(models.Minute, kwh), ts))
	}
	if aggregate {
		simple()
		return nil
	}

	win, backfill, err := w.resolver.Resolve(ctx, c.filter(models.Minute), cc.StopTime, cc.StopTime)
	if err != nil {
		return err
	}
	if !backfill {
		simple()
		return nil
	}

	limit := cc.StopTime.Truncate(time.Minute)
	for {
		w.logger.WithFields(logrus.Fields{
			"account": acct.Name,
			"channel": c.name,
			"start":   win.Start,
			"stop":    win.Stop,
		}).Info("Get minute details")

		usage, first, err := acct.Client.GetChartUsage(ctx, c.node, win.Start, win.Stop, models.Minute)
		if err != nil {
			return err
		}
		first = first.Truncate(time.Minute)
		n := w.emit(buf, c, models.Minute, usage, func(i int) time.Time {
			return first.Add(time.Duration(i) * time.Minute)
		})
		if n > 0 {
			return nil
		}

		span := win.Span()
		if !win.Stop.Before(limit) || span <= 0 {
			w.logger.WithFields(logrus.Fields{
				"account": acct.Name,
				"channel": c.name,
			}).Debug("No minute data up to the stop time, device appears offline")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		win.Start = earliest(win.Start.Add(span), limit)
		win.Stop = earliest(win.Stop.Add(span), limit)
	}
}

func (w *Walker) extractSeconds(ctx context.Context, acct *Account, c channelRef, buf *Buffer, cc CollectionContext) error {
	win, _, err := w.resolver.Resolve(ctx, c.filter(models.Second), cc.DetailStart, cc.StopTime)
	if err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"channel": c.name,
		"start":   win.Start,
		"stop":    win.Stop,
	}).Debug("Get second details")

	usage, first, err := acct.Client.GetChartUsage(ctx, c.node, win.Start, win.Stop, models.Second)
	if err != nil {
		return err
	}
	first = first.Truncate(time.Second)
	w.emit(buf, c, models.Second, usage, func(i int) time.Time {
		return first.Add(time.Duration(i) * time.Second)
	})
	return nil
}

func (w *Walker) extractHistory(ctx context.Context, acct *Account, c channelRef, buf *Buffer, cc CollectionContext) error {
	loc := cc.Location
	if loc == nil {
		loc = time.Local
	}

	w.logger.WithFields(logrus.Fields{
		"account": acct.Name,
		"channel": c.name,
		"start":   cc.History.Start,
		"stop":    cc.History.Stop,
	}).Debug("Get historic details")

	usage, first, err := acct.Client.GetChartUsage(ctx, c.node, cc.History.Start, cc.History.Stop, models.Hour)
	if err != nil {
		return err
	}
	first = first.UTC().Truncate(time.Hour)
	w.emit(buf, c, models.Hour, usage, func(i int) time.Time {
		return first.Add(time.Duration(i) * time.Hour)
	})

	usage, first, err = acct.Client.GetChartUsage(ctx, c.node, cc.History.Start, cc.History.Stop, models.Day)
	if err != nil {
		return err
	}
	firstLocal := first.In(loc)
	w.emit(buf, c, models.Day, usage, func(i int) time.Time {
		return EndOfDay(firstLocal.AddDate(0, 0, i))
	})
	return nil
}

// emit adds a point for every non-nil sample and returns how many were added.
func (w *Walker) emit(buf *Buffer, c channelRef, g models.Granularity, usage []*float64, at func(int) time.Time) int {
	n := 0
	for i, kwh := range usage {
		if kwh == nil {
			continue
		}
		buf.Add(c.factory.New(c.device, c.name, g, datapoint.Watts(g, *kwh), at(i)))
		n++
	}
	return n
}

// EndOfDay returns 23:59:59 of t's calendar day in t's location, in UTC.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location()).UTC()
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
