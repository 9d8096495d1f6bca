package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TickInterval is how often the scheduler checks whether a backup is due.
const TickInterval = time.Minute

// BackupEngine is the part of the backup service the scheduler drives.
type BackupEngine interface {
	GetBackupStatus(ctx context.Context) (models.BackupStatus, error)
	CreateBackupNow(ctx context.Context) models.BackupRunResult
}

// BackupScheduler triggers a backup once the configured interval has elapsed since the last one.
type BackupScheduler struct {
	engine  BackupEngine
	cron    *cron.Cron
	logger  zerolog.Logger
	now     func() time.Time
	mu      sync.Mutex
	started bool
}

// NewBackupScheduler creates a new scheduler instance.
func NewBackupScheduler(engine BackupEngine) *BackupScheduler {
	logger := log.With().Str("component", "backup_scheduler").Logger()
	cronLogger := cronLogger{logger: logger}
	return &BackupScheduler{
		engine: engine,
		cron: cron.New(cron.WithLogger(cronLogger), cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
		now:    time.Now,
	}
}

// Start begins ticking. Calling it again is a no-op.
func (s *BackupScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.cron.Schedule(cron.Every(TickInterval), cron.FuncJob(s.tick))
	s.cron.Start()
	s.started = true

	s.logger.Info().Dur("interval", TickInterval).Msg("Backup scheduler started")
}

// Stop halts the scheduler and waits for a running tick to finish.
func (s *BackupScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping backup scheduler")
	<-s.cron.Stop().Done()
}

func (s *BackupScheduler) tick() {
	s.RunNow(context.Background())
}

// RunNow performs one scheduling check and reports whether a backup was started.
func (s *BackupScheduler) RunNow(ctx context.Context) bool {
	status, err := s.engine.GetBackupStatus(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Backup scheduler could not read backup status")
		return false
	}
	if !Due(status, s.now()) {
		return false
	}

	s.logger.Info().Msg("Scheduled backup due, starting")
	result := s.engine.CreateBackupNow(ctx)
	if !result.OK {
		s.logger.Error().Str("error", result.Error).Msg("Scheduled backup failed")
	}
	return true
}

// Due reports whether a scheduled backup should run at now: backups are enabled, none is
// running, and either none has ever run or intervalDays have passed since the last one.
func Due(status models.BackupStatus, now time.Time) bool {
	if !status.Enabled || status.Running {
		return false
	}
	if status.LastBackupAt == nil {
		return true
	}
	interval := time.Duration(status.IntervalDays) * 24 * time.Hour
	return now.Sub(*status.LastBackupAt) >= interval
}

// cronLogger routes robfig/cron diagnostics to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
