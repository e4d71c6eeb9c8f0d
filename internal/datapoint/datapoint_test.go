package datapoint

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

func TestFactory_New(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	ts := time.Date(2024, 5, 1, 7, 30, 0, 0, loc)

	f := Factory{AccountName: "home"}
	p := f.New("Vue2", "Kitchen", models.Minute, 120, ts)

	assert.Equal(t, "home", p.AccountName)
	assert.Equal(t, "Vue2", p.DeviceName)
	assert.Equal(t, "Kitchen", p.ChannelName)
	assert.Equal(t, "", p.Station)
	assert.Equal(t, time.UTC, p.Timestamp.Location())
	assert.True(t, p.Timestamp.Equal(ts))

	f.StationField = true
	p = f.New("Vue2", "Kitchen", models.Minute, 120, ts)
	assert.Equal(t, "Vue2", p.Station)
}

func TestWatts(t *testing.T) {
	assert.InDelta(t, 60.0, Watts(models.Minute, 0.001), 1e-9)
	assert.InDelta(t, 3600.0, Watts(models.Second, 0.001), 1e-9)
	assert.InDelta(t, 1500.0, Watts(models.Hour, 1.5), 1e-9)
	assert.InDelta(t, 1500.0, Watts(models.Day, 1.5), 1e-9)
}

func TestEncoders_ProduceSameLineProtocol(t *testing.T) {
	scheme := models.DefaultTagScheme()
	p := Factory{AccountName: "home", StationField: true}.
		New("Vue2", "Kitchen", models.Second, 42.5, time.Unix(1700000000, 0))

	v1, err := NewEncoder(1, scheme)
	require.NoError(t, err)
	v2, err := NewEncoder(2, scheme)
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version())
	assert.Equal(t, 2, v2.Version())

	line1 := LineProtocol(v1.Encode(p))
	line2 := LineProtocol(v2.Encode(p))
	assert.Equal(t, line1, line2)
	assert.Equal(t,
		`energy_usage,account_name=home,detailed=True,device_name=Kitchen,station_name=Vue2 usage=42.5 1700000000000000000`,
		line2)
}

func TestEncoders_OmitStationWhenDisabled(t *testing.T) {
	p := Factory{AccountName: "home"}.New("Vue2", "Kitchen", models.Minute, 1, time.Unix(1700000000, 0))
	enc := PointEncoder{Tags: models.DefaultTagScheme()}

	line := LineProtocol(enc.Encode(p))
	assert.NotContains(t, line, "station_name")
	assert.Contains(t, line, "detailed=False")
}

func TestMapEncoder_Shape(t *testing.T) {
	scheme := models.TagScheme{Name: "granularity", Second: "s", Minute: "m", Hour: "h", Day: "d"}
	p := Factory{AccountName: "home"}.New("Vue2", "Kitchen", models.Day, 7, time.Unix(1700000000, 0))

	rec, ok := MapEncoder{Tags: scheme}.Encode(p).(MapRecord)
	require.True(t, ok)
	assert.Equal(t, models.Measurement, rec["measurement"])
	assert.Equal(t, map[string]string{
		"account_name": "home",
		"device_name":  "Kitchen",
		"granularity":  "d",
	}, rec["tags"])
	assert.Equal(t, map[string]interface{}{"usage": 7.0}, rec["fields"])
}

func TestNewEncoder_UnknownVersion(t *testing.T) {
	_, err := NewEncoder(3, models.DefaultTagScheme())
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	points := []models.MeasurementPoint{
		Factory{AccountName: "home"}.New("Vue2", "Kitchen", models.Minute, 1, time.Unix(1700000000, 0)),
	}
	enc := PointEncoder{Tags: models.DefaultTagScheme()}

	Dump(logger, "Sending to database", points, enc)
	assert.Empty(t, buf.String(), "dump must be silent above trace level")

	logger.SetLevel(logrus.DebugLevel)
	Dump(logger, "Sending to database", points, enc)
	assert.Empty(t, buf.String())

	logger.SetLevel(logrus.TraceLevel)
	Dump(logger, "Sending to database", points, enc)
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "energy_usage,account_name=home")
}
