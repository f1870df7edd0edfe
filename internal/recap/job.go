package recap

import (
	"context"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
)

// Job defaults. 21:30 UTC matches the evening recap the product ships;
// batching keeps the run from bursting the Spotify aggregate rate
// limit when recaps trigger follow-up API reads downstream.
const (
	DefaultRunHour    = 21
	DefaultRunMinute  = 30
	DefaultBatchSize  = 10
	DefaultBatchDelay = 1 * time.Second
)

// UserLister enumerates users to process. *db.UserRepository satisfies
// it via ListIDs.
type UserLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

// RecapNotifier is told when a user's daily aggregate is ready.
type RecapNotifier interface {
	RecapReady(ctx context.Context, userID string, day time.Time)
}

// Job generates yesterday's recap for every user once a day. Users are
// processed in bounded concurrent batches with a small delay between
// batches. The whole run is idempotent: recap upserts overwrite, so a
// restart mid-run just redoes cheap work.
type Job struct {
	users   UserLister
	service *Service
	notify  RecapNotifier // optional

	batchSize  int
	batchDelay time.Duration
	runHour    int
	runMinute  int
	log        *logrus.Entry
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithBatching overrides batch size and inter-batch delay.
func WithBatching(size int, delay time.Duration) JobOption {
	return func(j *Job) {
		j.batchSize = size
		j.batchDelay = delay
	}
}

// WithSchedule overrides the daily run time (UTC).
func WithSchedule(hour, minute int) JobOption {
	return func(j *Job) {
		j.runHour = hour
		j.runMinute = minute
	}
}

// WithNotifier sets the recap-ready notifier.
func WithNotifier(n RecapNotifier) JobOption {
	return func(j *Job) { j.notify = n }
}

// NewJob creates the daily recap job.
func NewJob(users UserLister, service *Service, opts ...JobOption) *Job {
	j := &Job{
		users:      users,
		service:    service,
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		runHour:    DefaultRunHour,
		runMinute:  DefaultRunMinute,
		log:        logrus.WithField("component", "recap-job"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the scheduler goroutine. It stops when ctx is
// cancelled.
func (j *Job) Start(ctx context.Context) {
	go func() {
		for {
			wait := time.Until(j.nextRun(time.Now().UTC()))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			yesterday := time.Now().UTC().AddDate(0, 0, -1)
			if err := j.Run(ctx, yesterday); err != nil {
				j.log.WithError(err).Error("daily recap run failed")
			}
		}
	}()
	j.log.WithFields(logrus.Fields{
		"hour":   j.runHour,
		"minute": j.runMinute,
	}).Info("daily recap job scheduled")
}

// Run generates recaps for every user for the given day.
func (j *Job) Run(ctx context.Context, day time.Time) error {
	userIDs, err := j.users.ListIDs(ctx)
	if err != nil {
		return err
	}
	j.log.WithField("users", len(userIDs)).Info("starting daily recap run")

	for start := 0; start < len(userIDs); start += j.batchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := start + j.batchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}

		wp := workerpool.New(j.batchSize)
		for _, userID := range userIDs[start:end] {
			userID := userID
			wp.Submit(func() {
				j.processUser(ctx, userID, day)
			})
		}
		wp.StopWait()

		if end < len(userIDs) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.batchDelay):
			}
		}
	}

	j.log.WithField("users", len(userIDs)).Info("daily recap run completed")
	return nil
}

// processUser computes one user's recap. Failures are logged, not
// fatal: one bad account must not sink the whole run.
func (j *Job) processUser(ctx context.Context, userID string, day time.Time) {
	recap, err := j.service.ComputeDaily(ctx, userID, day)
	if err != nil {
		j.log.WithField("userID", userID).WithError(err).Error("generating recap")
		return
	}
	if recap == nil {
		return // no listening data that day
	}
	if j.notify != nil {
		j.notify.RecapReady(ctx, userID, recap.Date)
	}
}

// nextRun returns the next scheduled run time strictly after now.
func (j *Job) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), j.runHour, j.runMinute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
