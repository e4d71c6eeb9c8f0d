//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/metering.go -package=mocks . MeteringClient

// Package api talks to the Emporia metering cloud.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

var (
	ErrRequest = errors.New("error making metering API request")
	ErrStatus  = errors.New("error status from metering API")
)

// MeteringClient is the subset of the metering API the collector uses.
type MeteringClient interface {
	// GetDevices returns every device of the account, nested devices
	// included, with names and channel numbers but no usage.
	GetDevices(ctx context.Context) ([]models.DeviceNode, error)

	// GetDeviceListUsage returns the usage trees of the given devices for
	// the slot of granularity g that contains instant.
	GetDeviceListUsage(ctx context.Context, gids []int64, instant time.Time, g models.Granularity) ([]*models.DeviceNode, error)

	// GetChartUsage returns the samples of one channel between start and
	// stop together with the instant of the first sample. Nil entries are
	// slots without data.
	GetChartUsage(ctx context.Context, channel *models.ChannelNode, start, stop time.Time, g models.Granularity) ([]*float64, time.Time, error)
}
