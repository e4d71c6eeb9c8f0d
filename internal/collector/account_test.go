package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/vuecollect/internal/api/mocks"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

func TestResolveChannelName(t *testing.T) {
	overrides := map[string]DeviceOverride{
		"House": {Name: "House", ChannelList: []string{"Main", "Dryer", "Oven"}},
		"Shop":  {Name: "Shop", ChannelMap: map[string]string{"2": "Compressor"}},
	}

	tests := []struct {
		name       string
		device     string
		channelNum string
		want       string
	}{
		{"list override", "House", "2", "Dryer"},
		{"list too short", "House", "4", "House-4"},
		{"map override", "Shop", "2", "Compressor"},
		{"map missing key", "Shop", "3", "Shop-3"},
		{"no override", "Garage", "1", "Garage-1"},
		{"mains takes device name", "House", "1,2,3", "House"},
		{"aggregate keeps default", "House", "Balance", "House-Balance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveChannelName(tt.device, tt.channelNum, overrides))
		})
	}
}

func TestAccount_Populate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockMeteringClient(ctrl)
	client.EXPECT().GetDevices(gomock.Any()).Return([]models.DeviceNode{
		{Gid: 20, Name: "Garage", Channels: []*models.ChannelNode{{DeviceGid: 20, ChannelNum: "1,2,3"}}},
		{Gid: 10, Name: "House", Channels: []*models.ChannelNode{{DeviceGid: 10, ChannelNum: "1", Name: "Lights"}}},
	}, nil).Times(1)

	logger, hook := test.NewNullLogger()
	acct, err := NewAccount("home", client, nil, 0, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, acct.EnsurePopulated(ctx))
	require.NoError(t, acct.EnsurePopulated(ctx))

	assert.Equal(t, []int64{10, 20}, acct.DeviceGids())
	name, err := acct.DeviceName(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, "Garage", name)

	d, ok := acct.device(20)
	require.True(t, ok)
	assert.Equal(t, "Garage", d.Channels[0].Name)

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "Discovered new channel", hook.LastEntry().Message)
	assert.Equal(t, "home", hook.LastEntry().Data["account"])
}

func TestAccount_CatalogLargerThanCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockMeteringClient(ctrl)
	client.EXPECT().GetDevices(gomock.Any()).Return([]models.DeviceNode{
		{Gid: 1, Name: "House"},
		{Gid: 2, Name: "Garage"},
		{Gid: 3, Name: "Shop"},
	}, nil).Times(1)

	logger, _ := test.NewNullLogger()
	acct, err := NewAccount("home", client, nil, 2, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, acct.EnsurePopulated(ctx))

	assert.Equal(t, []int64{1, 2, 3}, acct.DeviceGids())
	for gid, want := range map[int64]string{1: "House", 2: "Garage", 3: "Shop"} {
		name, err := acct.DeviceName(ctx, gid)
		require.NoError(t, err)
		assert.Equal(t, want, name)
	}
}

func TestAccount_DeviceNameMiss(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockMeteringClient(ctrl)
	gomock.InOrder(
		client.EXPECT().GetDevices(gomock.Any()).Return([]models.DeviceNode{{Gid: 1, Name: "House"}}, nil),
		client.EXPECT().GetDevices(gomock.Any()).Return([]models.DeviceNode{{Gid: 1, Name: "House"}, {Gid: 2, Name: "Shed"}}, nil),
		client.EXPECT().GetDevices(gomock.Any()).Return([]models.DeviceNode{{Gid: 1, Name: "House"}, {Gid: 2, Name: "Shed"}}, nil),
	)

	acct, err := NewAccount("home", client, nil, 8, logrus.New())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, acct.EnsurePopulated(ctx))

	name, err := acct.DeviceName(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Shed", name, "a miss reloads the catalog")

	name, err = acct.DeviceName(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "99", name, "unknown devices fall back to the gid")
}

func TestAccount_RefreshError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	apiErr := errors.New("unauthorized")
	client := mocks.NewMockMeteringClient(ctrl)
	client.EXPECT().GetDevices(gomock.Any()).Return(nil, apiErr)

	acct, err := NewAccount("home", client, nil, 8, logrus.New())
	require.NoError(t, err)

	err = acct.EnsurePopulated(context.Background())
	assert.ErrorIs(t, err, apiErr)
}
