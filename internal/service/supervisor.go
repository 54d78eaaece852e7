package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/papyrix-ota/internal/logging"
	"github.com/bigbag/papyrix-ota/internal/ota"
)

const (
	// DefaultPollInterval is how often the supervisor samples the status.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultRestartDelay is how long a completed update waits before restart.
	DefaultRestartDelay = time.Second
)

// Restarter boots the device into the newly selected image.
type Restarter interface {
	Restart(ctx context.Context) error
}

// SnapshotSource is implemented by Service.
type SnapshotSource interface {
	Snapshot() ota.Snapshot
}

// Supervisor restarts the device once an update completes.
type Supervisor struct {
	Source       SnapshotSource
	Restarter    Restarter
	PollInterval time.Duration
	RestartDelay time.Duration
	Log          logrus.FieldLogger
}

// Run polls Source until ctx is cancelled. Restarter is called once for
// each completed update; it is armed again when the state leaves Complete.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	log := s.Log
	if log == nil {
		log = logging.Discard()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	restarted := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snap := s.Source.Snapshot()
		if snap.State != ota.StateComplete {
			restarted = false
			continue
		}
		if restarted {
			continue
		}
		restarted = true

		log.WithFields(logrus.Fields{
			"version": snap.Version,
			"delay":   s.RestartDelay,
		}).Info("update complete, restarting")

		if s.RestartDelay > 0 {
			timer := time.NewTimer(s.RestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		if err := s.Restarter.Restart(ctx); err != nil {
			log.WithError(err).Error("restart failed")
			return err
		}
	}
}
