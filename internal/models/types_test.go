package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeWindow_Validate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		window     TimeWindow
		wantErr    bool
		errMessage string
	}{
		{
			name:    "valid window",
			window:  TimeWindow{Start: now.Add(-time.Hour), Stop: now},
			wantErr: false,
		},
		{
			name:    "empty window",
			window:  TimeWindow{Start: now, Stop: now},
			wantErr: false,
		},
		{
			name:       "missing timestamp",
			window:     TimeWindow{Stop: now},
			wantErr:    true,
			errMessage: "missing timestamp",
		},
		{
			name:       "inverted window",
			window:     TimeWindow{Start: now, Stop: now.Add(-time.Minute)},
			wantErr:    true,
			errMessage: "must not be after stop time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMessage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGranularityLimits(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, Minute.MaxLookback(time.Hour))
	assert.Equal(t, 12*time.Hour, Minute.MaxFetchSpan())
	assert.Equal(t, 3*time.Hour, Second.MaxLookback(30*time.Minute))
	assert.Equal(t, time.Hour, Second.MaxLookback(2*time.Hour))
	assert.Equal(t, time.Hour, Second.MaxFetchSpan())
	assert.Equal(t, "1MIN", Minute.Scale())
	assert.Equal(t, "1S", Second.Scale())
	assert.Equal(t, "granularity(42)", Granularity(42).String())
}

func TestTagScheme_Value(t *testing.T) {
	s := DefaultTagScheme()
	assert.Equal(t, "True", s.Value(Second))
	assert.Equal(t, "False", s.Value(Minute))
	assert.Equal(t, "Hour", s.Value(Hour))
	assert.Equal(t, "Day", s.Value(Day))
}

func TestDeviceNode_CountChannels(t *testing.T) {
	leaf := &DeviceNode{Gid: 3, Channels: []*ChannelNode{{ChannelNum: "1"}, {ChannelNum: "2"}}}
	mid := &DeviceNode{Gid: 2, Channels: []*ChannelNode{{ChannelNum: "1", NestedDevices: []*DeviceNode{leaf}}}}
	root := &DeviceNode{Gid: 1, Channels: []*ChannelNode{
		{ChannelNum: "1,2,3"},
		{ChannelNum: "4", NestedDevices: []*DeviceNode{mid}},
	}}

	assert.Equal(t, 5, root.CountChannels())
}
