package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/isdelr/q3-portal-be/internal/backup"
	"github.com/isdelr/q3-portal-be/internal/metrics"
	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
)

// Result codes returned in BackupRunResult.Error.
const (
	ErrCodeConfirmRequired = "CONFIRM_REQUIRED"
	ErrCodeInvalidFilename = "INVALID_FILENAME"
	ErrCodeBackupNotFound  = "BACKUP_NOT_FOUND"

	msgBackupRunning = "Ya hay un backup en ejecución"
)

// ErrBackupNotFound is returned when a scope/filename pair does not resolve to an archive.
var ErrBackupNotFound = errors.New(ErrCodeBackupNotFound)

var errMissingRoot = errors.New("Estructura inválida: la raíz backup/ no existe")

// BackupServiceProvider defines the interface for the backup engine.
type BackupServiceProvider interface {
	GetBackupStatus(ctx context.Context) (models.BackupStatus, error)
	ListBackups(ctx context.Context) ([]models.BackupEntry, error)
	UpdateBackupSettings(ctx context.Context, update models.BackupSettingsUpdate) (models.BackupStatus, error)
	SetBackupsEnabled(ctx context.Context, enabled bool) (models.BackupStatus, error)
	CreateBackupNow(ctx context.Context) models.BackupRunResult
	RestoreBackup(ctx context.Context, filename string, confirm bool) models.BackupRunResult
	RestoreBackupFromScope(ctx context.Context, scope models.BackupScope, filename string, confirm bool) models.BackupRunResult
	VerifyArchive(ctx context.Context, zipPath string) error
	GetBackupZipForDownload(scope models.BackupScope, filename string) (string, error)
	RegisterUploadedManualBackup(ctx context.Context, tempFilePath, originalName string) models.BackupRunResult
}

// BackupPaths locates the live state the engine archives.
type BackupPaths struct {
	DataDir string
	EnvFile string
	// TempDir is where staging and extraction directories are created. Empty means os.TempDir.
	TempDir string
}

// DefaultDir holds rotated archives.
func (p BackupPaths) DefaultDir() string { return filepath.Join(p.DataDir, "backups") }

// ManualDir holds uploaded archives that rotation never touches.
func (p BackupPaths) ManualDir() string { return filepath.Join(p.DataDir, "backups-manual") }

// UploadTempDir receives HTTP uploads before they are registered.
func (p BackupPaths) UploadTempDir() string { return filepath.Join(p.DataDir, "backups-upload-temp") }

// SettingsFile is the persisted BackupSettings document.
func (p BackupPaths) SettingsFile() string { return filepath.Join(p.DataDir, "backup-settings.json") }

func (p BackupPaths) scopeDir(scope models.BackupScope) string {
	if scope == models.ScopeManual {
		return p.ManualDir()
	}
	return p.DefaultDir()
}

// BackupService creates, rotates, verifies and restores archives of the data directory.
type BackupService struct {
	paths     BackupPaths
	settings  *backup.SettingsStore
	archiver  backup.Archiver
	dumper    backup.Dumper
	events    EventServiceProvider
	publisher Publisher
	now       func() time.Time

	running atomic.Bool
}

// NewBackupService creates a new BackupService. dumper, events and publisher may be nil.
func NewBackupService(paths BackupPaths, archiver backup.Archiver, dumper backup.Dumper, events EventServiceProvider, publisher Publisher) *BackupService {
	return &BackupService{
		paths:     paths,
		settings:  backup.NewSettingsStore(paths.SettingsFile()),
		archiver:  archiver,
		dumper:    dumper,
		events:    events,
		publisher: publisher,
		now:       time.Now,
	}
}

// IsRunning reports whether a backup is being created right now.
func (s *BackupService) IsRunning() bool {
	return s.running.Load()
}

func (s *BackupService) ensureDirs() error {
	for _, dir := range []string{s.paths.DataDir, s.paths.DefaultDir(), s.paths.ManualDir(), s.paths.UploadTempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	return nil
}

// GetBackupStatus returns the settings plus runtime state.
func (s *BackupService) GetBackupStatus(ctx context.Context) (models.BackupStatus, error) {
	if err := s.ensureDirs(); err != nil {
		return models.BackupStatus{}, err
	}
	settings, err := s.settings.Load()
	if err != nil {
		return models.BackupStatus{}, fmt.Errorf("could not load backup settings: %w", err)
	}
	entries, err := s.ListBackups(ctx)
	if err != nil {
		return models.BackupStatus{}, err
	}

	status := models.BackupStatus{
		BackupSettings:  settings,
		Running:         s.running.Load(),
		CopiesAvailable: len(entries),
	}
	if len(entries) > 0 {
		latest := entries[0]
		status.LatestBackup = &latest
	}
	if settings.Enabled && settings.LastBackupAt != nil {
		next := settings.LastBackupAt.Add(time.Duration(settings.IntervalDays) * 24 * time.Hour)
		status.NextBackupAt = &next
	}

	usage, err := disk.UsageWithContext(ctx, s.paths.DataDir)
	if err != nil {
		log.Debug().Err(err).Str("path", s.paths.DataDir).Msg("Could not read free disk space")
	} else {
		status.DiskFreeBytes = usage.Free
	}
	return status, nil
}

// ListBackups returns the archives of both scopes, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]models.BackupEntry, error) {
	var defaults, manual []models.BackupEntry

	var g errgroup.Group
	g.Go(func() (err error) {
		defaults, err = listBackupDir(s.paths.DefaultDir(), models.ScopeDefault)
		return err
	})
	g.Go(func() (err error) {
		manual, err = listBackupDir(s.paths.ManualDir(), models.ScopeManual)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("could not list backups: %w", err)
	}

	entries := append(defaults, manual...)
	sortNewestFirst(entries)
	return entries, nil
}

func listBackupDir(dir string, scope models.BackupScope) ([]models.BackupEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.BackupEntry{}, nil
		}
		return nil, err
	}

	entries := make([]models.BackupEntry, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(strings.ToLower(f.Name()), ".zip") {
			continue
		}
		info, err := f.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, models.BackupEntry{
			Scope:                 scope,
			ProtectedFromRotation: scope == models.ScopeManual,
			Filename:              f.Name(),
			FullPath:              filepath.Join(dir, f.Name()),
			SizeBytes:             info.Size(),
			CreatedAt:             info.ModTime(),
		})
	}
	sortNewestFirst(entries)
	return entries, nil
}

func sortNewestFirst(entries []models.BackupEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Filename > entries[j].Filename
	})
}

// UpdateBackupSettings merges update into the persisted settings.
func (s *BackupService) UpdateBackupSettings(ctx context.Context, update models.BackupSettingsUpdate) (models.BackupStatus, error) {
	if err := s.ensureDirs(); err != nil {
		return models.BackupStatus{}, err
	}
	next, err := s.settings.Mutate(func(settings *models.BackupSettings) {
		*settings = backup.ApplyUpdate(*settings, update)
	})
	if err != nil {
		return models.BackupStatus{}, fmt.Errorf("could not save backup settings: %w", err)
	}

	recordEvent(s.events, "backup.settings", "info", fmt.Sprintf("Backup settings updated: enabled=%t maxCopies=%d intervalDays=%d.",
		next.Enabled, next.MaxCopies, next.IntervalDays))
	return s.GetBackupStatus(ctx)
}

// SetBackupsEnabled switches scheduled backups on or off.
func (s *BackupService) SetBackupsEnabled(ctx context.Context, enabled bool) (models.BackupStatus, error) {
	return s.UpdateBackupSettings(ctx, models.BackupSettingsUpdate{Enabled: &enabled})
}

// CreateBackupNow archives the data directory, the .env file and a database dump into the
// default scope, then rotates it. Only one backup runs at a time.
func (s *BackupService) CreateBackupNow(ctx context.Context) models.BackupRunResult {
	if !s.running.CompareAndSwap(false, true) {
		return models.BackupRunResult{OK: false, Warnings: []string{}, Error: msgBackupRunning}
	}
	defer s.running.Store(false)

	started := time.Now()
	result := s.createBackup(ctx)
	s.observe("create", started, result)

	if result.OK {
		log.Info().Str("filename", result.Filename).Strs("warnings", result.Warnings).Msg("Backup created")
		recordEvent(s.events, "backup.create", "info", fmt.Sprintf("Backup '%s' created.", result.Filename))
	} else {
		log.Error().Str("error", result.Error).Msg("Backup failed")
		recordEvent(s.events, "backup.create.fail", "error", fmt.Sprintf("Backup failed: %s", result.Error))
	}
	return result
}

func (s *BackupService) createBackup(ctx context.Context) (result models.BackupRunResult) {
	warnings := []string{}
	defer func() {
		if r := recover(); r != nil {
			result = failedRun(warnings, fmt.Errorf("%v", r))
		}
	}()

	if err := s.ensureDirs(); err != nil {
		return failedRun(warnings, err)
	}

	tempRoot, err := os.MkdirTemp(s.paths.TempDir, "q3-backup-")
	if err != nil {
		return failedRun(warnings, err)
	}
	defer os.RemoveAll(tempRoot)

	stage := filepath.Join(tempRoot, "backup")
	if err := os.MkdirAll(filepath.Join(stage, "data"), 0o755); err != nil {
		return failedRun(warnings, err)
	}

	if _, err := os.Stat(s.paths.DataDir); err == nil {
		if err := backup.CopyTree(s.paths.DataDir, filepath.Join(stage, "data"), s.skipEngineDirs); err != nil {
			return failedRun(warnings, fmt.Errorf("could not stage data directory: %w", err))
		}
	}
	if _, err := os.Stat(s.paths.EnvFile); err == nil {
		if err := backup.CopyFile(s.paths.EnvFile, filepath.Join(stage, ".env")); err != nil {
			return failedRun(warnings, fmt.Errorf("could not stage .env: %w", err))
		}
	}

	if err := s.dumpDatabase(ctx, filepath.Join(stage, "database.sql"), &warnings); err != nil {
		return failedRun(warnings, err)
	}

	manifest, err := backup.CreateManifest(stage)
	if err != nil {
		return failedRun(warnings, err)
	}
	if err := backup.WriteManifest(stage, manifest); err != nil {
		return failedRun(warnings, err)
	}

	now := s.now()
	filename, err := s.freeArchiveName(now)
	if err != nil {
		return failedRun(warnings, err)
	}
	zipPath := filepath.Join(s.paths.DefaultDir(), filename)
	if err := s.archiver.Compress(ctx, stage, zipPath); err != nil {
		return failedRun(warnings, fmt.Errorf("could not compress backup: %w", err))
	}
	if err := os.Chtimes(zipPath, now, now); err != nil {
		return failedRun(warnings, err)
	}

	settings, err := s.settings.Mutate(func(settings *models.BackupSettings) {
		at := now.UTC()
		settings.LastBackupAt = &at
	})
	if err != nil {
		return failedRun(warnings, fmt.Errorf("could not save backup settings: %w", err))
	}
	metrics.LastBackupTimestamp.Set(float64(now.Unix()))

	s.rotate(settings.MaxCopies)

	return models.BackupRunResult{OK: true, Filename: filename, Warnings: warnings}
}

// freeArchiveName returns backup-<timestamp>.zip, or backup-<timestamp>-N.zip when backups
// land in the same second.
func (s *BackupService) freeArchiveName(now time.Time) (string, error) {
	base := "backup-" + now.Format("20060102-150405")
	for n := 0; n < 100; n++ {
		filename := base + ".zip"
		if n > 0 {
			filename = fmt.Sprintf("%s-%d.zip", base, n)
		}
		_, err := os.Lstat(filepath.Join(s.paths.DefaultDir(), filename))
		if errors.Is(err, fs.ErrNotExist) {
			return filename, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free archive name for %s", base)
}

// skipEngineDirs leaves archives and upload staging out of the data copy.
func (s *BackupService) skipEngineDirs(rel string, d fs.DirEntry) bool {
	if !d.IsDir() {
		return false
	}
	if d.Name() == "backups" {
		return true
	}
	rel = filepath.ToSlash(rel)
	return rel == "backups-manual" || rel == "backups-upload-temp"
}

// dumpDatabase always leaves a database.sql behind; it is empty when no dump was taken.
func (s *BackupService) dumpDatabase(ctx context.Context, sqlPath string, warnings *[]string) error {
	if s.dumper == nil || !s.dumper.Configured() {
		*warnings = append(*warnings, "DATABASE_URL no definida, backup sin dump SQL.")
		return os.WriteFile(sqlPath, nil, 0o644)
	}
	if err := s.dumper.Dump(ctx, sqlPath); err != nil {
		log.Warn().Err(err).Msg("Database dump failed, continuing without it")
		*warnings = append(*warnings, fmt.Sprintf("No se pudo ejecutar pg_dump (%v).", err))
		return os.WriteFile(sqlPath, nil, 0o644)
	}
	if _, err := os.Stat(sqlPath); err != nil {
		return os.WriteFile(sqlPath, nil, 0o644)
	}
	return nil
}

func (s *BackupService) rotate(maxCopies int) {
	entries, err := listBackupDir(s.paths.DefaultDir(), models.ScopeDefault)
	if err != nil {
		log.Warn().Err(err).Msg("Could not list backups for rotation")
		return
	}
	if len(entries) <= maxCopies {
		return
	}
	for _, entry := range entries[maxCopies:] {
		if err := os.Remove(entry.FullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("filename", entry.Filename).Msg("Could not delete rotated backup")
			continue
		}
		log.Info().Str("filename", entry.Filename).Msg("Rotated out old backup")
	}
}

// RestoreBackup restores an archive from the default scope.
func (s *BackupService) RestoreBackup(ctx context.Context, filename string, confirm bool) models.BackupRunResult {
	return s.RestoreBackupFromScope(ctx, models.ScopeDefault, filename, confirm)
}

// RestoreBackupFromScope validates an archive and copies its data over the live data
// directory, then replays its SQL dump. Nothing is touched unless confirm is true.
func (s *BackupService) RestoreBackupFromScope(ctx context.Context, scope models.BackupScope, filename string, confirm bool) models.BackupRunResult {
	if !confirm {
		return models.BackupRunResult{OK: false, Warnings: []string{}, Error: ErrCodeConfirmRequired}
	}
	if !backup.IsSafeZipFilename(filename) {
		return models.BackupRunResult{OK: false, Warnings: []string{}, Error: ErrCodeInvalidFilename}
	}
	zipPath, err := s.resolveBackupPath(scope, filename)
	if err != nil {
		return models.BackupRunResult{OK: false, Warnings: []string{}, Error: ErrCodeBackupNotFound}
	}

	if s.running.Load() {
		log.Warn().Str("filename", filename).Msg("Restoring while a backup is being created")
	}

	started := time.Now()
	result := s.restore(ctx, zipPath)
	s.observe("restore", started, result)

	if result.OK {
		log.Warn().Str("scope", string(scope)).Str("filename", filename).Msg("Backup restored")
		recordEvent(s.events, "backup.restore", "warn", fmt.Sprintf("Backup '%s' (%s) restored.", filename, scope))
	} else {
		log.Error().Str("filename", filename).Str("error", result.Error).Msg("Restore failed")
		recordEvent(s.events, "backup.restore.fail", "error", fmt.Sprintf("Restore of '%s' failed: %s", filename, result.Error))
	}
	return result
}

func (s *BackupService) restore(ctx context.Context, zipPath string) (result models.BackupRunResult) {
	warnings := []string{}
	defer func() {
		if r := recover(); r != nil {
			result = failedRun(warnings, fmt.Errorf("%v", r))
		}
	}()

	tempRoot, err := os.MkdirTemp(s.paths.TempDir, "q3-restore-")
	if err != nil {
		return failedRun(warnings, err)
	}
	defer os.RemoveAll(tempRoot)

	extracted, err := s.extractAndValidate(ctx, zipPath, tempRoot)
	if err != nil {
		return failedRun(warnings, err)
	}

	if err := backup.CopyTree(filepath.Join(extracted, "data"), s.paths.DataDir, nil); err != nil {
		return failedRun(warnings, fmt.Errorf("could not restore data directory: %w", err))
	}

	sqlPath := filepath.Join(extracted, "database.sql")
	info, err := os.Stat(sqlPath)
	switch {
	case err != nil || info.Size() == 0:
		warnings = append(warnings, "El backup no contiene dump SQL, se omite el import.")
	case s.dumper == nil || !s.dumper.Configured():
		warnings = append(warnings, "DATABASE_URL no definida, restore sin import SQL.")
	default:
		if err := s.dumper.Restore(ctx, sqlPath); err != nil {
			log.Warn().Err(err).Msg("Database restore failed")
			warnings = append(warnings, fmt.Sprintf("No se pudo restaurar SQL con psql (%v).", err))
		}
	}

	return models.BackupRunResult{OK: true, Warnings: warnings}
}

// VerifyArchive extracts zipPath to a scratch directory and checks it against its manifest.
func (s *BackupService) VerifyArchive(ctx context.Context, zipPath string) error {
	tempRoot, err := os.MkdirTemp(s.paths.TempDir, "q3-verify-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tempRoot)

	_, err = s.extractAndValidate(ctx, zipPath, tempRoot)
	return err
}

func (s *BackupService) extractAndValidate(ctx context.Context, zipPath, tempRoot string) (string, error) {
	if err := s.archiver.Extract(ctx, zipPath, tempRoot); err != nil {
		return "", fmt.Errorf("could not extract backup: %w", err)
	}
	extracted := filepath.Join(tempRoot, "backup")
	if info, err := os.Stat(extracted); err != nil || !info.IsDir() {
		return "", errMissingRoot
	}
	if err := backup.ValidateExtractedContent(extracted); err != nil {
		return "", err
	}
	return extracted, nil
}

// GetBackupZipForDownload resolves an archive path, or ErrBackupNotFound.
func (s *BackupService) GetBackupZipForDownload(scope models.BackupScope, filename string) (string, error) {
	return s.resolveBackupPath(scope, filename)
}

func (s *BackupService) resolveBackupPath(scope models.BackupScope, filename string) (string, error) {
	if !backup.IsSafeZipFilename(filename) {
		return "", ErrBackupNotFound
	}
	fullPath := filepath.Join(s.paths.scopeDir(scope), filename)
	info, err := os.Stat(fullPath)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrBackupNotFound
	}
	return fullPath, nil
}

// RegisterUploadedManualBackup moves an uploaded archive into the manual scope and keeps it
// only if it passes the same validation as a restore.
func (s *BackupService) RegisterUploadedManualBackup(ctx context.Context, tempFilePath, originalName string) models.BackupRunResult {
	started := time.Now()
	result := s.registerUpload(ctx, tempFilePath, originalName)
	s.observe("upload", started, result)

	if result.OK {
		log.Info().Str("filename", result.Filename).Msg("Manual backup uploaded")
		recordEvent(s.events, "backup.upload", "info", fmt.Sprintf("Manual backup '%s' uploaded.", result.Filename))
	} else {
		log.Warn().Str("original_name", originalName).Str("error", result.Error).Msg("Manual backup rejected")
		recordEvent(s.events, "backup.upload.reject", "warn", fmt.Sprintf("Upload '%s' rejected: %s", originalName, result.Error))
	}
	return result
}

func (s *BackupService) registerUpload(ctx context.Context, tempFilePath, originalName string) models.BackupRunResult {
	if err := s.ensureDirs(); err != nil {
		return failedRun(nil, err)
	}

	name := originalName
	if name == "" {
		name = filepath.Base(tempFilePath)
	}
	safeName := backup.SanitizeFilename(name)
	if ext := filepath.Ext(safeName); strings.EqualFold(ext, ".zip") {
		safeName = strings.TrimSuffix(safeName, ext) + ".zip"
	} else {
		safeName += ".zip"
	}

	now := s.now()
	finalName := fmt.Sprintf("%d-%s", now.UnixMilli(), safeName)
	finalPath := filepath.Join(s.paths.ManualDir(), finalName)

	if err := backup.MoveFile(tempFilePath, finalPath); err != nil {
		os.Remove(tempFilePath)
		return failedRun(nil, fmt.Errorf("could not store upload: %w", err))
	}

	if err := s.VerifyArchive(ctx, finalPath); err != nil {
		os.Remove(finalPath)
		if errors.Is(err, errMissingRoot) {
			return failedRun(nil, errors.New("Upload rechazado: debe contener carpeta raíz backup/"))
		}
		return failedRun(nil, err)
	}
	if err := os.Chtimes(finalPath, now, now); err != nil {
		log.Warn().Err(err).Str("filename", finalName).Msg("Could not set upload timestamp")
	}

	return models.BackupRunResult{OK: true, Filename: finalName, Warnings: []string{}}
}

func (s *BackupService) observe(operation string, started time.Time, result models.BackupRunResult) {
	metrics.BackupOperations.WithLabelValues(operation, metrics.Result(result.OK)).Inc()
	metrics.BackupDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if s.publisher != nil {
		s.publisher.Publish("backup_result", map[string]interface{}{
			"operation": operation,
			"result":    result,
		})
	}
}

func failedRun(warnings []string, err error) models.BackupRunResult {
	if warnings == nil {
		warnings = []string{}
	}
	return models.BackupRunResult{OK: false, Warnings: warnings, Error: err.Error()}
}
