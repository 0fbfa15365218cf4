package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one polling cycle. It must return promptly once ctx is done.
type Job func(ctx context.Context)

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Run executes job once right away and then every interval until ctx is
// done. A cycle that is still running when the next one is due is skipped,
// and a panicking cycle is logged instead of killing the process. Run
// returns after the in-flight cycle has finished.
func Run(ctx context.Context, interval time.Duration, job Job) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s is below the one second minimum", interval)
	}

	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger))
	// One wrapped job serves both the first run and the schedule, so they
	// share the skip-if-running guard.
	wrapped := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).
		Then(cron.FuncJob(func() { job(ctx) }))

	log.Info().Dur("interval", interval).Msg("Running first cycle now, then on schedule")
	wrapped.Run()
	if ctx.Err() != nil {
		return nil
	}

	c.Schedule(cron.Every(interval), wrapped)
	c.Start()

	<-ctx.Done()
	log.Info().Msg("Stopping scheduler, waiting for the running cycle")
	<-c.Stop().Done()
	log.Info().Msg("Scheduler stopped")
	return nil
}
