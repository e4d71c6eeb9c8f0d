package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Granularity is the sampling resolution of a measurement.
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
	Day
	// History is a one-off historical batch covering hour and day data.
	History
)

var granularityNames = map[Granularity]string{
	Second:  "second",
	Minute:  "minute",
	Hour:    "hour",
	Day:     "day",
	History: "history",
}

func (g Granularity) String() string {
	if name, ok := granularityNames[g]; ok {
		return name
	}
	return "granularity(" + strconv.Itoa(int(g)) + ")"
}

// Scale returns the metering API scale identifier for the granularity.
func (g Granularity) Scale() string {
	switch g {
	case Second:
		return "1S"
	case Minute:
		return "1MIN"
	case Hour:
		return "1H"
	case Day, History:
		return "1D"
	default:
		return ""
	}
}

// Unit returns the duration of one sample slot.
func (g Granularity) Unit() time.Duration {
	switch g {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day, History:
		return 24 * time.Hour
	default:
		return 0
	}
}

// MaxLookback is the furthest back a backfill may reach. Second data can
// only go back one hour when details are collected hourly or less often.
func (g Granularity) MaxLookback(detailInterval time.Duration) time.Duration {
	switch g {
	case Minute:
		return 7 * 24 * time.Hour
	case Second:
		if detailInterval >= time.Hour {
			return time.Hour
		}
		return 3 * time.Hour
	default:
		return 0
	}
}

// MaxFetchSpan is the widest window a single API call may request.
func (g Granularity) MaxFetchSpan() time.Duration {
	switch g {
	case Minute:
		return 12 * time.Hour
	case Second:
		return time.Hour
	default:
		return 0
	}
}

// TimeWindow is a closed time range.
type TimeWindow struct {
	Start time.Time
	Stop  time.Time
}

// Span returns the length of the window.
func (w TimeWindow) Span() time.Duration {
	return w.Stop.Sub(w.Start)
}

// Validate checks the window bounds.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.Stop.IsZero() {
		return errors.New("missing timestamp")
	}
	if w.Start.After(w.Stop) {
		return fmt.Errorf("start time %s must not be after stop time %s", w.Start, w.Stop)
	}
	return nil
}

// DeviceNode is one metering device. Channels keep the order the API
// reported them in.
type DeviceNode struct {
	Gid      int64
	Name     string
	Channels []*ChannelNode
}

// ChannelNode is one measured circuit of a device. A nil Usage means the
// provider had no sample, which is different from zero usage.
type ChannelNode struct {
	DeviceGid     int64
	ChannelNum    string
	Name          string
	Usage         *float64
	NestedDevices []*DeviceNode
}

// CountChannels returns the number of channels in the tree rooted at d,
// nested devices included.
func (d *DeviceNode) CountChannels() int {
	n := 0
	for _, ch := range d.Channels {
		n++
		for _, nested := range ch.NestedDevices {
			n += nested.CountChannels()
		}
	}
	return n
}

// SeriesFilter selects one stored series.
type SeriesFilter struct {
	ChannelName string
	// Station is matched only when non-empty.
	Station     string
	Granularity Granularity
}

// MeasurementPoint is a sink-agnostic usage sample.
type MeasurementPoint struct {
	AccountName string
	DeviceName  string
	ChannelName string
	// Station is empty unless the station field is enabled.
	Station     string
	Granularity Granularity
	Watts       float64
	Timestamp   time.Time
}

// TagScheme names the tag that distinguishes granularities and the
// value written for each of them.
type TagScheme struct {
	Name   string
	Second string
	Minute string
	Hour   string
	Day    string
}

// DefaultTagScheme matches the tags written by earlier collectors.
func DefaultTagScheme() TagScheme {
	return TagScheme{
		Name:   "detailed",
		Second: "True",
		Minute: "False",
		Hour:   "Hour",
		Day:    "Day",
	}
}

// Value returns the tag value written for g.
func (s TagScheme) Value(g Granularity) string {
	switch g {
	case Second:
		return s.Second
	case Minute:
		return s.Minute
	case Hour:
		return s.Hour
	case Day:
		return s.Day
	default:
		return g.String()
	}
}

// Measurement and tag keys shared by every sink.
const (
	Measurement    = "energy_usage"
	FieldUsage     = "usage"
	TagAccountName = "account_name"
	TagDeviceName  = "device_name"
	TagStationName = "station_name"
)
