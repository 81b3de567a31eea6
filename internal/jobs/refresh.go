// Package jobs runs the scheduled background work of the API.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/manifest"
)

const defaultRunTimeout = 2 * time.Minute

// Regenerator rebuilds the content manifest.
type Regenerator interface {
	Regenerate(ctx context.Context, trigger string) (*manifest.Manifest, error)
}

// ManifestRefresher regenerates the manifest on a cron schedule, catching
// pushes that bypassed the API and the webhook.
type ManifestRefresher struct {
	cron    *cron.Cron
	regen   Regenerator
	logger  *logging.Logger
	timeout time.Duration
}

// NewManifestRefresher schedules regen on schedule, a standard five field
// cron expression or a descriptor such as "@every 30m".
func NewManifestRefresher(schedule string, regen Regenerator, logger *logging.Logger) (*ManifestRefresher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	cl := cronLogger{logger: logger}
	r := &ManifestRefresher{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		regen:   regen,
		logger:  logger,
		timeout: defaultRunTimeout,
	}
	if _, err := r.cron.AddFunc(schedule, func() { _ = r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid manifest refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background.
func (r *ManifestRefresher) Start() {
	r.cron.Start()
	r.logger.WithField("next", r.cron.Entries()[0].Next).Info("manifest refresh scheduled")
}

// Stop stops scheduling and waits for a running refresh or ctx, whichever ends first.
func (r *ManifestRefresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one scheduled regeneration.
func (r *ManifestRefresher) RunOnce(ctx context.Context) error {
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	m, err := r.regen.Regenerate(ctx, manifest.TriggerSchedule)
	entry := r.logger.WithContext(ctx).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		entry.WithError(err).Error("scheduled manifest refresh failed")
		return err
	}
	entry.WithField("file_count", m.FileCount).Info("scheduled manifest refresh complete")
	return nil
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func pairs(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
