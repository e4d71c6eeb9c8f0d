package datapoint

import (
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// Record is an encoded MeasurementPoint.
type Record interface {
	// Point returns the record as an InfluxDB write point.
	Point() *write.Point
	// String renders the record for debug output.
	String() string
}

// Encoder renders points for one sink protocol version. Every encoder
// must produce the same line protocol for the same point.
type Encoder interface {
	Version() int
	Encode(p models.MeasurementPoint) Record
}

// NewEncoder returns the encoder for an InfluxDB protocol version.
func NewEncoder(version int, tags models.TagScheme) (Encoder, error) {
	switch version {
	case 1:
		return MapEncoder{Tags: tags}, nil
	case 2:
		return PointEncoder{Tags: tags}, nil
	default:
		return nil, fmt.Errorf("unsupported influxdb version: %d", version)
	}
}

// LineProtocol renders a record as a single line of InfluxDB line protocol.
func LineProtocol(r Record) string {
	return strings.TrimSuffix(write.PointToLineProtocol(r.Point(), time.Nanosecond), "\n")
}

func pointTags(p models.MeasurementPoint, scheme models.TagScheme) map[string]string {
	tags := map[string]string{
		models.TagAccountName: p.AccountName,
		models.TagDeviceName:  p.ChannelName,
		scheme.Name:           scheme.Value(p.Granularity),
	}
	if p.Station != "" {
		tags[models.TagStationName] = p.Station
	}
	return tags
}

// PointEncoder produces write.Point records for InfluxDB 2.x.
type PointEncoder struct {
	Tags models.TagScheme
}

func (PointEncoder) Version() int { return 2 }

func (e PointEncoder) Encode(p models.MeasurementPoint) Record {
	return pointRecord{
		point: write.NewPoint(
			models.Measurement,
			pointTags(p, e.Tags),
			map[string]interface{}{models.FieldUsage: p.Watts},
			p.Timestamp,
		),
	}
}

type pointRecord struct {
	point *write.Point
}

func (r pointRecord) Point() *write.Point { return r.point }

func (r pointRecord) String() string { return LineProtocol(r) }

// MapEncoder produces plain mappings in the InfluxDB 1.x JSON point shape.
type MapEncoder struct {
	Tags models.TagScheme
}

func (MapEncoder) Version() int { return 1 }

func (e MapEncoder) Encode(p models.MeasurementPoint) Record {
	return MapRecord{
		"measurement": models.Measurement,
		"tags":        pointTags(p, e.Tags),
		"fields":      map[string]interface{}{models.FieldUsage: p.Watts},
		"time":        p.Timestamp,
	}
}

// MapRecord is a point as a plain mapping.
type MapRecord map[string]interface{}

func (r MapRecord) Point() *write.Point {
	measurement, _ := r["measurement"].(string)
	tags, _ := r["tags"].(map[string]string)
	fields, _ := r["fields"].(map[string]interface{})
	ts, _ := r["time"].(time.Time)
	return write.NewPoint(measurement, tags, fields, ts)
}

func (r MapRecord) String() string {
	return fmt.Sprintf("%v", map[string]interface{}(r))
}
