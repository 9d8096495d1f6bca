package handlers

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/isdelr/q3-portal-be/internal/services"
)

type fakeStatusService struct {
	status    models.QuakeServerStatus
	refreshes int
	commands  []string
	rconOut   string
	rconErr   error
}

func (f *fakeStatusService) QueryQuakeServer(context.Context, string, int, time.Duration) models.QuakeServerStatus {
	return f.status
}

func (f *fakeStatusService) GetServerStatus(context.Context) models.QuakeServerStatus {
	return f.status
}

func (f *fakeStatusService) RefreshServerStatus(context.Context) models.QuakeServerStatus {
	f.refreshes++
	return f.status
}

func (f *fakeStatusService) SendRconCommand(_ context.Context, command, _ string, _ int, _ string, _ time.Duration) (string, error) {
	f.commands = append(f.commands, command)
	return f.rconOut, f.rconErr
}

func (f *fakeStatusService) SendConfiguredRcon(ctx context.Context, command string) (string, error) {
	return f.SendRconCommand(ctx, command, "", 0, "", 0)
}

type restoreCall struct {
	scope    models.BackupScope
	filename string
	confirm  bool
}

type fakeBackupService struct {
	status        models.BackupStatus
	backups       []models.BackupEntry
	runResult     models.BackupRunResult
	restoreResult models.BackupRunResult
	uploadResult  models.BackupRunResult
	downloadPath  string
	err           error

	update       models.BackupSettingsUpdate
	enabledCalls []bool
	restores     []restoreCall
	uploadedName string
	uploadedBody []byte
}

func (f *fakeBackupService) GetBackupStatus(context.Context) (models.BackupStatus, error) {
	return f.status, f.err
}

func (f *fakeBackupService) ListBackups(context.Context) ([]models.BackupEntry, error) {
	return f.backups, f.err
}

func (f *fakeBackupService) UpdateBackupSettings(_ context.Context, update models.BackupSettingsUpdate) (models.BackupStatus, error) {
	f.update = update
	return f.status, f.err
}

func (f *fakeBackupService) SetBackupsEnabled(_ context.Context, enabled bool) (models.BackupStatus, error) {
	f.enabledCalls = append(f.enabledCalls, enabled)
	f.status.Enabled = enabled
	return f.status, f.err
}

func (f *fakeBackupService) CreateBackupNow(context.Context) models.BackupRunResult {
	return f.runResult
}

func (f *fakeBackupService) RestoreBackup(ctx context.Context, filename string, confirm bool) models.BackupRunResult {
	return f.RestoreBackupFromScope(ctx, models.ScopeDefault, filename, confirm)
}

func (f *fakeBackupService) RestoreBackupFromScope(_ context.Context, scope models.BackupScope, filename string, confirm bool) models.BackupRunResult {
	f.restores = append(f.restores, restoreCall{scope: scope, filename: filename, confirm: confirm})
	return f.restoreResult
}

func (f *fakeBackupService) VerifyArchive(context.Context, string) error {
	return nil
}

func (f *fakeBackupService) GetBackupZipForDownload(models.BackupScope, string) (string, error) {
	if f.downloadPath == "" {
		return "", services.ErrBackupNotFound
	}
	return f.downloadPath, nil
}

func (f *fakeBackupService) RegisterUploadedManualBackup(_ context.Context, tempFilePath, originalName string) models.BackupRunResult {
	f.uploadedName = originalName
	f.uploadedBody, _ = os.ReadFile(tempFilePath)
	os.Remove(tempFilePath)
	return f.uploadResult
}

type fakeEventService struct {
	events    []models.Event
	err       error
	lastLimit int
}

func (f *fakeEventService) CreateEvent(string, string, string) error { return nil }

func (f *fakeEventService) GetRecentEvents(limit int) ([]models.Event, error) {
	f.lastLimit = limit
	return f.events, f.err
}

var errBoom = errors.New("boom")
