package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type JobScheduler struct {
	scheduler *cron.Cron
	logger    zerolog.Logger
	jobId     cron.EntryID
}

// NewJobScheduler schedules job according to a cron expression or a descriptor such as
// "@every 15m". A run that is still in progress when the next one is due causes that next
// run to be skipped.
func NewJobScheduler(logger zerolog.Logger, frequency string, job cron.Job) (*JobScheduler, error) {
	opts := []cron.Option{
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger))),
	}

	logger.Info().Str("schedule", frequency).Msg("enabling periodic job")

	if strings.Count(strings.TrimSpace(frequency), " ") == 5 {
		logger.Warn().Msg("schedule contains second level precision")
		opts = append(opts, cron.WithSeconds())
	}

	scheduler := cron.New(opts...)

	jobId, err := scheduler.AddJob(frequency, job)
	if err != nil {
		return nil, fmt.Errorf("could not add scheduled run for job: %w", err)
	}

	return &JobScheduler{
		scheduler: scheduler,
		logger:    logger,
		jobId:     jobId,
	}, nil
}

func (js *JobScheduler) Start() {
	js.scheduler.Start()
	js.logger.Info().Time("next_run", js.NextRun()).Msg("job scheduler started")
}

func (js *JobScheduler) NextRun() time.Time {
	return js.scheduler.Entry(js.jobId).Next
}

// Stop removes the job and waits for a running invocation to complete.
func (js *JobScheduler) Stop() {
	js.scheduler.Remove(js.jobId)
	<-js.scheduler.Stop().Done()
}
