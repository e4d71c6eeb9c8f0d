// Package scheduler drives the collection loop: it wakes up on a fixed
// interval, walks the usage trees of every account and flushes the
// resulting points to the sink.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/vuecollect/internal/collector"
	"github.com/tejusbharadwaj/vuecollect/internal/database"
	"github.com/tejusbharadwaj/vuecollect/internal/datapoint"
	"github.com/tejusbharadwaj/vuecollect/internal/metrics"
	"github.com/tejusbharadwaj/vuecollect/internal/models"
)

const (
	defaultHistoryPause = 5 * time.Second
	historyWindowDays   = 20
)

// Settings are the collection parameters of a Scheduler.
type Settings struct {
	Interval       time.Duration
	DetailInterval time.Duration
	DetailEnabled  bool
	SecondsEnabled bool
	HoursEnabled   bool
	Lag            time.Duration
	// HistoryDays of hour and day data are loaded once at startup.
	HistoryDays    int
	MaxHistoryDays int
	Location       *time.Location
	DryRun         bool
	// HistoryPause is the wait between history sub-windows.
	HistoryPause time.Duration
}

// Publisher receives every batch written to the sink.
type Publisher interface {
	Publish(ctx context.Context, points []models.MeasurementPoint) error
}

type Scheduler struct {
	settings  Settings
	accounts  []*collector.Account
	walker    *collector.Walker
	sink      database.Sink
	encoder   datapoint.Encoder
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	state atomic.Int32

	detailStart    time.Time
	lastDay        time.Time
	historyPending bool
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep replaces the interruptible wait between cycles and history
// sub-windows.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

func WithPublisher(p Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithEncoder selects the encoding used when dumping points at trace level.
func WithEncoder(enc datapoint.Encoder) Option {
	return func(s *Scheduler) { s.encoder = enc }
}

func NewScheduler(settings Settings, accounts []*collector.Account, walker *collector.Walker, sink database.Sink, logger *logrus.Logger, opts ...Option) *Scheduler {
	if settings.Location == nil {
		settings.Location = time.Local
	}
	if settings.HistoryPause == 0 {
		settings.HistoryPause = defaultHistoryPause
	}

	s := &Scheduler{
		settings: settings,
		accounts: accounts,
		walker:   walker,
		sink:     sink,
		encoder:  datapoint.PointEncoder{Tags: models.DefaultTagScheme()},
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}

	startup := s.now().UTC().Truncate(time.Second)
	s.detailStart = startup
	s.lastDay = startup.In(settings.Location)
	s.historyPending = s.HistoryDays() > 0
	s.setState(StateStartup)
	return s
}

// HistoryDays is the requested history capped at MaxHistoryDays.
func (s *Scheduler) HistoryDays() int {
	days := s.settings.HistoryDays
	if s.settings.MaxHistoryDays > 0 && days > s.settings.MaxHistoryDays {
		days = s.settings.MaxHistoryDays
	}
	if days < 0 {
		return 0
	}
	return days
}

// Run collects until ctx is cancelled. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	s.logger.WithFields(logrus.Fields{
		"interval":        s.settings.Interval,
		"detail_interval": s.settings.DetailInterval,
		"detail_enabled":  s.settings.DetailEnabled,
		"hours_enabled":   s.settings.HoursEnabled,
		"seconds_enabled": s.settings.SecondsEnabled,
		"history_days":    s.HistoryDays(),
		"timezone":        s.settings.Location.String(),
	}).Info("Starting collection")

	for {
		s.setState(StateRunning)
		if err := s.Cycle(ctx); err != nil {
			if isCancellation(ctx, err) {
				break
			}
			return err
		}
		if ctx.Err() != nil {
			break
		}

		s.setState(StateSleep)
		if err := s.sleep(ctx, s.settings.Interval); err != nil {
			break
		}
	}

	s.logger.Info("Finished")
	return nil
}

// cycle holds the values computed once at the start of a Cycle.
type cycle struct {
	id             string
	stop           time.Time
	collectDetails bool
	rollover       bool
	dayPoint       time.Time
	history        []models.TimeWindow
	logger         logrus.FieldLogger
}

// Cycle runs one collection pass over every account. Account failures are
// logged and skipped; only cancellation is returned.
func (s *Scheduler) Cycle(ctx context.Context) error {
	begin := s.now()
	loc := s.settings.Location

	c := cycle{id: uuid.NewString()}
	c.stop = begin.UTC().Truncate(time.Second).Add(-s.settings.Lag)
	c.collectDetails = DetailsDue(s.settings.DetailEnabled, s.settings.DetailInterval, c.stop, s.detailStart)
	c.logger = s.logger.WithField("cycle", c.id)

	today := begin.In(loc)
	if !sameDay(s.lastDay, today) {
		c.rollover = true
		c.dayPoint = collector.EndOfDay(s.lastDay)
	}
	if s.historyPending {
		days := s.HistoryDays()
		from := c.stop.In(loc).AddDate(0, 0, -days)
		c.history = HistoryWindows(from, c.stop, loc)
		c.logger.WithField("days", days).Info("Loading historical data")
	}

	c.logger.WithFields(logrus.Fields{
		"stop":            c.stop,
		"collect_details": c.collectDetails,
		"since_detail":    c.stop.Sub(s.detailStart).String(),
	}).Debug("Starting next event collection")

	for _, acct := range s.accounts {
		if err := s.collectAccount(ctx, acct, c); err != nil {
			if isCancellation(ctx, err) {
				return ctx.Err()
			}
			c.logger.WithError(err).WithField("account", acct.Name).Error("Failed to record new usage data")
			if s.metrics != nil {
				s.metrics.AccountErrors.WithLabelValues(acct.Name).Inc()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if c.collectDetails {
		s.detailStart = c.stop.Add(time.Second)
	}
	s.historyPending = false
	s.lastDay = today

	if s.metrics != nil {
		s.metrics.CycleDuration.Observe(s.now().Sub(begin).Seconds())
		s.metrics.LastCycle.Set(float64(s.now().Unix()))
	}
	return nil
}

func (s *Scheduler) collectAccount(ctx context.Context, acct *collector.Account, c cycle) error {
	buf := &collector.Buffer{}
	defer buf.Reset()

	if err := acct.EnsurePopulated(ctx); err != nil {
		return err
	}
	gids := acct.DeviceGids()

	base := collector.CollectionContext{
		StopTime:       c.stop,
		DetailStart:    s.detailStart,
		CollectDetails: c.collectDetails,
		SecondsEnabled: s.settings.DetailEnabled && s.settings.SecondsEnabled,
		Location:       s.settings.Location,
	}
	log := c.logger.WithField("account", acct.Name)

	s.setState(StateCollectLive)
	live := base
	live.Mode = collector.ModeLive
	if err := s.walk(ctx, acct, gids, c.stop, models.Minute, buf, live); err != nil {
		return err
	}

	if c.collectDetails && s.settings.DetailEnabled && s.settings.HoursEnabled {
		s.setState(StateCollectHour)
		pastHour := c.stop.Add(-time.Hour).Truncate(time.Hour)
		log.WithField("hour", pastHour).Debug("Collecting previous hour")

		hour := base
		hour.Mode = collector.ModeHour
		hour.PointTime = pastHour
		if err := s.walk(ctx, acct, gids, pastHour, models.Hour, buf, hour); err != nil {
			return err
		}
	}

	if c.rollover {
		s.setState(StateCollectDay)
		log.WithField("day", c.dayPoint).Debug("Collecting previous day")

		day := base
		day.Mode = collector.ModeDay
		day.PointTime = c.dayPoint
		if err := s.walk(ctx, acct, gids, c.dayPoint, models.Day, buf, day); err != nil {
			return err
		}
	}

	if len(c.history) > 0 {
		for _, w := range c.history {
			s.setState(StateCollectHistory)
			log.WithFields(logrus.Fields{"start": w.Start, "stop": w.Stop}).Debug("Collecting history window")

			hist := base
			hist.Mode = collector.ModeHistory
			hist.History = w
			if err := s.walk(ctx, acct, gids, w.Stop, models.Day, buf, hist); err != nil {
				return err
			}
			if err := s.flush(ctx, acct, buf, log); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.sleep(ctx, s.settings.HistoryPause); err != nil {
				return err
			}
		}
	}

	return s.flush(ctx, acct, buf, log)
}

// walk fetches fresh usage trees for every device and extracts them.
func (s *Scheduler) walk(ctx context.Context, acct *collector.Account, gids []int64, instant time.Time, g models.Granularity, buf *collector.Buffer, cc collector.CollectionContext) error {
	usages, err := acct.Client.GetDeviceListUsage(ctx, gids, instant, g)
	if err != nil {
		return fmt.Errorf("failed to fetch %s usage: %w", g, err)
	}
	for _, dev := range usages {
		if err := s.walker.Extract(ctx, acct, dev, buf, cc); err != nil {
			return fmt.Errorf("%s collection: %w", cc.Mode, err)
		}
	}
	return nil
}

// flush writes the buffered points and empties the buffer, whether or
// not the write succeeded.
func (s *Scheduler) flush(ctx context.Context, acct *collector.Account, buf *collector.Buffer, log logrus.FieldLogger) error {
	defer buf.Reset()
	if buf.Len() == 0 {
		return nil
	}
	s.setState(StateFlush)

	points := buf.Points()
	log.WithField("points", len(points)).Info("Submitting datapoints to database")
	datapoint.Dump(s.logger, "Sending to database", points, s.encoder)

	if s.settings.DryRun {
		log.Info("Dryrun mode enabled, skipping database write")
		return nil
	}

	if err := s.sink.WriteBatch(ctx, points); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}

	if s.metrics != nil {
		for _, p := range points {
			s.metrics.PointsWritten.WithLabelValues(p.Granularity.String()).Inc()
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, points); err != nil {
			log.WithError(err).Warn("Failed to publish points")
		}
	}
	return nil
}

// DetailsDue reports whether second and hour details should be collected
// in a cycle ending at stop.
func DetailsDue(enabled bool, interval time.Duration, stop, detailStart time.Time) bool {
	return enabled && interval > 0 && stop.Sub(detailStart) >= interval
}

// HistoryWindows splits [from, stop] into contiguous windows of up to 20
// local calendar days. from is moved back to local midnight. Every window
// but the last ends at 23:59:59 local time; the last ends at stop.
func HistoryWindows(from, stop time.Time, loc *time.Location) []models.TimeWindow {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := from.In(loc).Date()
	cur := time.Date(y, m, d, 0, 0, 0, 0, loc)
	stop = stop.UTC()

	var windows []models.TimeWindow
	for !cur.After(stop) {
		next := cur.AddDate(0, 0, historyWindowDays)
		end := next.Add(-time.Second)
		if !end.Before(stop) {
			windows = append(windows, models.TimeWindow{Start: cur.UTC(), Stop: stop})
			break
		}
		windows = append(windows, models.TimeWindow{Start: cur.UTC(), Stop: end.UTC()})
		cur = next
	}
	return windows
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// isCancellation treats every error seen after ctx is done as a result of
// the cancellation; API errors do not always wrap the context error.
func isCancellation(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
