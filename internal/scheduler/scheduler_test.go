package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/vuecollect/internal/api/mocks"
	"github.com/tejusbharadwaj/vuecollect/internal/collector"
	dbmocks "github.com/tejusbharadwaj/vuecollect/internal/database/mocks"
	"github.com/tejusbharadwaj/vuecollect/internal/metrics"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
	"github.com/tejusbharadwaj/vuecollect/internal/resolver"
)

func kwh(v float64) *float64 { return &v }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type usageCall struct {
	instant time.Time
	g       models.Granularity
}

// fakeAccount wires an Account to a mock client that serves one device
// with one channel and records every usage request.
type fakeAccount struct {
	acct   *collector.Account
	client *mocks.MockMeteringClient
	calls  []usageCall
	charts []models.Granularity
	fail   error
}

func newFakeAccount(t *testing.T, ctrl *gomock.Controller, name string, logger *logrus.Logger) *fakeAccount {
	t.Helper()
	f := &fakeAccount{client: mocks.NewMockMeteringClient(ctrl)}

	f.client.EXPECT().GetDevices(gomock.Any()).
		Return([]models.DeviceNode{{Gid: 1, Name: "House"}}, nil).AnyTimes()
	f.client.EXPECT().GetDeviceListUsage(gomock.Any(), []int64{1}, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ []int64, instant time.Time, g models.Granularity) ([]*models.DeviceNode, error) {
			f.calls = append(f.calls, usageCall{instant, g})
			if f.fail != nil {
				return nil, f.fail
			}
			return []*models.DeviceNode{{Gid: 1, Channels: []*models.ChannelNode{
				{DeviceGid: 1, ChannelNum: "1", Usage: kwh(0.01)},
			}}}, nil
		}).AnyTimes()
	f.client.EXPECT().GetChartUsage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *models.ChannelNode, start, _ time.Time, g models.Granularity) ([]*float64, time.Time, error) {
			f.charts = append(f.charts, g)
			return []*float64{kwh(1)}, start, nil
		}).AnyTimes()

	acct, err := collector.NewAccount(name, f.client, nil, 8, logger)
	require.NoError(t, err)
	f.acct = acct
	return f
}

func (f *fakeAccount) granularities() []models.Granularity {
	var gs []models.Granularity
	for _, c := range f.calls {
		gs = append(gs, c.g)
	}
	return gs
}

type fakePublisher struct{ batches int }

func (p *fakePublisher) Publish(_ context.Context, _ []models.MeasurementPoint) error {
	p.batches++
	return nil
}

type harness struct {
	ctrl    *gomock.Controller
	sink    *dbmocks.MockSink
	clock   *fakeClock
	sleeps  []time.Duration
	batches [][]models.MeasurementPoint
	logger  *logrus.Logger
}

func newHarness(t *testing.T, start time.Time) *harness {
	ctrl := gomock.NewController(t)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	h := &harness{
		ctrl:   ctrl,
		sink:   dbmocks.NewMockSink(ctrl),
		clock:  &fakeClock{t: start},
		logger: logger,
	}
	// Every series is up to date, so live collection emits single points.
	h.sink.EXPECT().LastTimestamp(gomock.Any(), gomock.Any()).
		Return(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), true, nil).AnyTimes()
	return h
}

func (h *harness) expectWrites(err error) {
	h.sink.EXPECT().WriteBatch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, points []models.MeasurementPoint) error {
			h.batches = append(h.batches, append([]models.MeasurementPoint(nil), points...))
			return err
		}).AnyTimes()
}

func (h *harness) scheduler(settings Settings, accounts []*fakeAccount, opts ...Option) *Scheduler {
	var accts []*collector.Account
	for _, a := range accounts {
		accts = append(accts, a.acct)
	}
	walker := collector.NewWalker(resolver.New(h.sink, settings.DetailInterval), false, h.logger)
	opts = append([]Option{
		WithClock(h.clock.now),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	}, opts...)
	return NewScheduler(settings, accts, walker, h.sink, h.logger, opts...)
}

func baseSettings() Settings {
	return Settings{
		Interval:       time.Minute,
		DetailInterval: time.Hour,
		Lag:            5 * time.Second,
		MaxHistoryDays: 720,
		Location:       time.UTC,
	}
}

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestHistoryWindows(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, est)
	stop := time.Date(2024, 2, 15, 12, 0, 0, 0, time.UTC)

	windows := HistoryWindows(from, stop, est)
	require.Len(t, windows, 3)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, est).UTC(), windows[0].Start)
	assert.Equal(t, time.Date(2024, 1, 20, 23, 59, 59, 0, est).UTC(), windows[0].Stop)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, est).UTC(), windows[2].Start)
	assert.Equal(t, stop, windows[2].Stop)

	for i, w := range windows {
		require.NoError(t, w.Validate())
		if i == len(windows)-1 {
			continue
		}
		local := w.Stop.In(est)
		assert.Equal(t, 23, local.Hour())
		assert.Equal(t, 59, local.Minute())
		assert.Equal(t, 59, local.Second())
		assert.Equal(t, w.Stop.Add(time.Second), windows[i+1].Start, "windows must be contiguous")
	}
}

func TestHistoryWindows_Edges(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	exact := from.AddDate(0, 0, 20).Add(-time.Second)
	windows := HistoryWindows(from, exact, time.UTC)
	require.Len(t, windows, 1)
	assert.Equal(t, exact, windows[0].Stop)

	windows = HistoryWindows(from, from.Add(3*time.Hour), time.UTC)
	require.Len(t, windows, 1)
	assert.Equal(t, from, windows[0].Start)

	assert.Empty(t, HistoryWindows(from.AddDate(0, 0, 2), from, time.UTC))
}

func TestDetailsDue(t *testing.T) {
	stop := t0
	tests := []struct {
		name     string
		enabled  bool
		interval time.Duration
		since    time.Duration
		want     bool
	}{
		{"disabled", false, time.Hour, 2 * time.Hour, false},
		{"zero interval", true, 0, 2 * time.Hour, false},
		{"not yet", true, time.Hour, 59 * time.Minute, false},
		{"exactly due", true, time.Hour, time.Hour, true},
		{"overdue", true, time.Hour, 3 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetailsDue(tt.enabled, tt.interval, stop, stop.Add(-tt.since)))
		})
	}
}

func TestHistoryDaysCapped(t *testing.T) {
	h := newHarness(t, t0)
	settings := baseSettings()
	settings.HistoryDays = 1000
	assert.Equal(t, 720, h.scheduler(settings, nil).HistoryDays())

	settings.HistoryDays = 0
	s := h.scheduler(settings, nil)
	assert.Equal(t, 0, s.HistoryDays())
	assert.False(t, s.historyPending)
}

func TestCycle_LiveFlush(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)
	pub := &fakePublisher{}
	m := metrics.New()

	s := h.scheduler(baseSettings(), []*fakeAccount{acct}, WithPublisher(pub), WithMetrics(m))
	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))

	require.Len(t, acct.calls, 1)
	assert.Equal(t, usageCall{t0.Add(55 * time.Second), models.Minute}, acct.calls[0])

	require.Len(t, h.batches, 1)
	require.Len(t, h.batches[0], 1)
	p := h.batches[0][0]
	assert.Equal(t, "home", p.AccountName)
	assert.Equal(t, t0, p.Timestamp)
	assert.Equal(t, 1, pub.batches)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PointsWritten.WithLabelValues("minute")))
}

func TestCycle_DryRun(t *testing.T) {
	h := newHarness(t, t0)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)
	pub := &fakePublisher{}

	settings := baseSettings()
	settings.DryRun = true
	s := h.scheduler(settings, []*fakeAccount{acct}, WithPublisher(pub))
	h.clock.advance(time.Minute)

	require.NoError(t, s.Cycle(context.Background()))
	assert.Len(t, acct.calls, 1)
	assert.Zero(t, pub.batches)
}

func TestCycle_AccountErrorContinues(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	broken := newFakeAccount(t, h.ctrl, "broken", h.logger)
	broken.fail = errors.New("503 from api")
	healthy := newFakeAccount(t, h.ctrl, "healthy", h.logger)
	m := metrics.New()

	s := h.scheduler(baseSettings(), []*fakeAccount{broken, healthy}, WithMetrics(m))
	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))

	require.Len(t, h.batches, 1)
	assert.Equal(t, "healthy", h.batches[0][0].AccountName)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountErrors.WithLabelValues("broken")))
}

func TestCycle_FailedWriteDiscardsBuffer(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(errors.New("bucket not found"))
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)

	s := h.scheduler(baseSettings(), []*fakeAccount{acct})
	for i := 0; i < 2; i++ {
		h.clock.advance(time.Minute)
		require.NoError(t, s.Cycle(context.Background()))
	}

	require.Len(t, h.batches, 2)
	assert.Len(t, h.batches[1], 1, "points of a failed flush are not retried")
}

func TestCycle_HourDetails(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)

	settings := baseSettings()
	settings.DetailEnabled = true
	settings.HoursEnabled = true
	s := h.scheduler(settings, []*fakeAccount{acct})

	h.clock.advance(time.Hour + 10*time.Second)
	require.NoError(t, s.Cycle(context.Background()))

	stop := t0.Add(time.Hour + 5*time.Second)
	require.Equal(t, []models.Granularity{models.Minute, models.Hour}, acct.granularities())
	assert.Equal(t, t0, acct.calls[1].instant)
	assert.Equal(t, stop.Add(time.Second), s.detailStart)

	require.Len(t, h.batches, 1)
	require.Len(t, h.batches[0], 2)
	assert.Equal(t, models.Hour, h.batches[0][1].Granularity)
	assert.Equal(t, t0, h.batches[0][1].Timestamp)
	assert.InDelta(t, 10.0, h.batches[0][1].Watts, 1e-9)

	acct.calls = nil
	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, []models.Granularity{models.Minute}, acct.granularities(), "details wait for the next interval")
}

func TestCycle_DayRolloverForEveryAccount(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	h := newHarness(t, time.Date(2024, 5, 10, 23, 59, 30, 0, est))
	h.expectWrites(nil)
	first := newFakeAccount(t, h.ctrl, "first", h.logger)
	second := newFakeAccount(t, h.ctrl, "second", h.logger)

	settings := baseSettings()
	settings.Location = est
	s := h.scheduler(settings, []*fakeAccount{first, second})

	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))

	dayPoint := time.Date(2024, 5, 11, 4, 59, 59, 0, time.UTC)
	for _, a := range []*fakeAccount{first, second} {
		require.Equal(t, []models.Granularity{models.Minute, models.Day}, a.granularities(), a.acct.Name)
		assert.Equal(t, dayPoint, a.calls[1].instant)
	}
	require.Len(t, h.batches, 2)
	for _, batch := range h.batches {
		require.Len(t, batch, 2)
		assert.Equal(t, models.Day, batch[1].Granularity)
		assert.Equal(t, dayPoint, batch[1].Timestamp)
	}

	first.calls, second.calls = nil, nil
	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, []models.Granularity{models.Minute}, first.granularities())
}

func TestCycle_HistorySubWindows(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)

	settings := baseSettings()
	settings.HistoryDays = 30
	s := h.scheduler(settings, []*fakeAccount{acct})

	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))

	stop := t0.Add(55 * time.Second)
	require.Equal(t, []models.Granularity{models.Minute, models.Day, models.Day}, acct.granularities())
	assert.Equal(t, time.Date(2024, 4, 29, 23, 59, 59, 0, time.UTC), acct.calls[1].instant)
	assert.Equal(t, stop, acct.calls[2].instant)
	assert.Equal(t, []models.Granularity{models.Hour, models.Day, models.Hour, models.Day}, acct.charts)

	require.Len(t, h.batches, 2, "one write per history window")
	assert.Len(t, h.batches[0], 3)
	assert.Len(t, h.batches[1], 2)
	assert.Equal(t, []time.Duration{defaultHistoryPause, defaultHistoryPause}, h.sleeps)

	acct.calls = nil
	h.clock.advance(time.Minute)
	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, []models.Granularity{models.Minute}, acct.granularities(), "history runs once")
}

func TestCycle_HistoryInterrupted(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := baseSettings()
	settings.HistoryDays = 60
	s := h.scheduler(settings, []*fakeAccount{acct}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	h.clock.advance(time.Minute)
	err := s.Cycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.batches, 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, t0)
	h.expectWrites(nil)
	acct := newFakeAccount(t, h.ctrl, "home", h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var states []State
	var s *Scheduler
	s = h.scheduler(baseSettings(), []*fakeAccount{acct}, WithSleep(func(ctx context.Context, d time.Duration) error {
		states = append(states, s.State())
		assert.Equal(t, time.Minute, d)
		cancel()
		return ctx.Err()
	}))
	assert.Equal(t, StateStartup, s.State())

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, []State{StateSleep}, states)
	assert.Equal(t, StateStopped, s.State())
	assert.Len(t, h.batches, 1)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "collect_history", StateCollectHistory.String())
	assert.Equal(t, "state(42)", State(42).String())
}
