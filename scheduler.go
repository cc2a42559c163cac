package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	log "github.com/sirupsen/logrus"
)

const defaultIntervalMinutes = 60

// RunScheduled runs every syncer once immediately and then every Interval
// minutes until ctx is done. A syncer never overlaps with itself.
func RunScheduled(ctx context.Context, syncers []*Syncer) error {
	scheduler := gocron.NewScheduler(time.UTC)

	for _, syncer := range syncers {
		interval := syncer.Config.Interval
		if interval < 1 {
			interval = defaultIntervalMinutes
		}
		log.Info(fmt.Sprintf("Scheduling sync of %s to %s every %d minutes", syncer.Config.SourceFolder, syncer.Config.DestinationBucket, interval))

		_, jobErr := scheduler.Every(interval).Minutes().SingletonMode().Do(func(s *Syncer) {
			if _, runErr := s.Run(ctx); runErr != nil && ctx.Err() == nil {
				log.WithError(runErr).Error(fmt.Sprintf("Scheduled sync of %s failed", s.Config.SourceFolder))
			}
		}, syncer)
		if jobErr != nil {
			return fmt.Errorf("Error scheduling sync of %s: %w", syncer.Config.SourceFolder, jobErr)
		}
	}

	scheduler.StartAsync()
	<-ctx.Done()
	log.Info("Stopping scheduler")
	scheduler.Stop()

	return nil
}
