package collector

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/vuecollect/internal/api"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

// MainsChannel is the composite channel number of a device's main feed.
const MainsChannel = "1,2,3"

const defaultDeviceCacheSize = 256

// DeviceOverride renames the channels of one device. Either ChannelList
// (indexed by channel number - 1) or ChannelMap (keyed by channel number)
// is used.
type DeviceOverride struct {
	Name        string
	ChannelList []string
	ChannelMap  map[string]string
}

// Account is one metering account and its device catalog. The catalog is
// loaded on first use and reloaded whenever an unknown device shows up.
type Account struct {
	Name   string
	Client api.MeteringClient

	devices   *lru.Cache // gid -> models.DeviceNode
	capacity  int
	overrides map[string]DeviceOverride
	populated bool
	logger    logrus.FieldLogger
}

func NewAccount(name string, client api.MeteringClient, overrides []DeviceOverride, cacheSize int, logger logrus.FieldLogger) (*Account, error) {
	if cacheSize <= 0 {
		cacheSize = defaultDeviceCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]DeviceOverride, len(overrides))
	for _, o := range overrides {
		byName[o.Name] = o
	}

	return &Account{
		Name:      name,
		Client:    client,
		devices:   cache,
		capacity:  cacheSize,
		overrides: byName,
		logger:    logger.WithField("account", name),
	}, nil
}

// EnsurePopulated loads the device catalog unless it is already loaded.
func (a *Account) EnsurePopulated(ctx context.Context) error {
	if a.populated {
		return nil
	}
	return a.Refresh(ctx)
}

// Refresh reloads the device catalog from the API.
func (a *Account) Refresh(ctx context.Context) error {
	devices, err := a.Client.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	// The catalog must hold every device of the account.
	if len(devices) > a.capacity {
		a.devices.Resize(len(devices))
		a.capacity = len(devices)
	}
	a.devices.Purge()
	for _, d := range devices {
		for _, ch := range d.Channels {
			if ch.Name == "" && ch.ChannelNum == MainsChannel {
				ch.Name = d.Name
			}
			a.logger.WithFields(logrus.Fields{
				"channel": ch.Name,
				"number":  ch.ChannelNum,
			}).Info("Discovered new channel")
		}
		a.devices.Add(d.Gid, d)
	}
	a.populated = true
	return nil
}

// DeviceGids returns the gids of every cached device in ascending order.
func (a *Account) DeviceGids() []int64 {
	keys := a.devices.Keys()
	gids := make([]int64, 0, len(keys))
	for _, k := range keys {
		gids = append(gids, k.(int64))
	}
	sort.Slice(gids, func(i, j int) bool { return gids[i] < gids[j] })
	return gids
}

// DeviceName returns the display name of a device. An unknown gid causes
// one catalog reload; if it is still unknown the gid itself is returned.
func (a *Account) DeviceName(ctx context.Context, gid int64) (string, error) {
	if d, ok := a.device(gid); ok {
		return d.Name, nil
	}

	if err := a.Refresh(ctx); err != nil {
		return "", err
	}
	if d, ok := a.device(gid); ok {
		return d.Name, nil
	}
	return strconv.FormatInt(gid, 10), nil
}

// ChannelName returns the name points of ch are stored under.
func (a *Account) ChannelName(ctx context.Context, ch *models.ChannelNode) (string, error) {
	deviceName, err := a.DeviceName(ctx, ch.DeviceGid)
	if err != nil {
		return "", err
	}
	return ResolveChannelName(deviceName, ch.ChannelNum, a.overrides), nil
}

func (a *Account) device(gid int64) (models.DeviceNode, bool) {
	v, ok := a.devices.Get(gid)
	if !ok {
		return models.DeviceNode{}, false
	}
	return v.(models.DeviceNode), true
}

// ResolveChannelName applies the configured overrides. Without a matching
// override the name is "<device>-<channel number>", except for the mains
// channel which takes the device name.
func ResolveChannelName(deviceName, channelNum string, overrides map[string]DeviceOverride) string {
	name := fmt.Sprintf("%s-%s", deviceName, channelNum)

	num, err := strconv.Atoi(channelNum)
	if err != nil {
		if channelNum == MainsChannel {
			return deviceName
		}
		return name
	}

	o, ok := overrides[deviceName]
	if !ok {
		return name
	}
	switch {
	case o.ChannelList != nil:
		if num >= 1 && len(o.ChannelList) >= num {
			return o.ChannelList[num-1]
		}
	case o.ChannelMap != nil:
		if v, ok := o.ChannelMap[strconv.Itoa(num)]; ok {
			return v
		}
	}
	return name
}
