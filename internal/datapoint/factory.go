// Package datapoint builds sink-agnostic measurement points and encodes
// them for the InfluxDB write protocols.
package datapoint

import (
	"time"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

const (
	minutesInAnHour  = 60
	secondsInAMinute = 60
	wattsInAKilowatt = 1000
)

// Factory creates MeasurementPoints for one account.
type Factory struct {
	AccountName string
	// StationField tags every point with the physical device name.
	StationField bool
}

// New returns the point for one usage value. It performs no I/O.
func (f Factory) New(deviceName, channelName string, g models.Granularity, watts float64, ts time.Time) models.MeasurementPoint {
	p := models.MeasurementPoint{
		AccountName: f.AccountName,
		DeviceName:  deviceName,
		ChannelName: channelName,
		Granularity: g,
		Watts:       watts,
		Timestamp:   ts.UTC(),
	}
	if f.StationField {
		p.Station = deviceName
	}
	return p
}

// Watts converts a kWh sample into average watts over the sample slot.
// Hour and day samples are stored as kWh * 1000.
func Watts(g models.Granularity, kwh float64) float64 {
	switch g {
	case models.Second:
		return float64(secondsInAMinute*minutesInAnHour*wattsInAKilowatt) * kwh
	case models.Minute:
		return float64(minutesInAnHour*wattsInAKilowatt) * kwh
	default:
		return kwh * wattsInAKilowatt
	}
}
