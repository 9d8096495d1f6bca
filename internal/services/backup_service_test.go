package services

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/isdelr/q3-portal-be/internal/backup"
	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDumper struct {
	configured bool
	dumpErr    error
	restoreErr error
	// block, when set, holds Dump until it is closed.
	block   chan struct{}
	entered chan struct{}

	mu       sync.Mutex
	restored []string
}

func (d *fakeDumper) Configured() bool { return d.configured }

func (d *fakeDumper) Dump(_ context.Context, outPath string) error {
	if d.entered != nil {
		close(d.entered)
	}
	if d.block != nil {
		<-d.block
	}
	if d.dumpErr != nil {
		// pg_dump leaves a partial file behind on failure.
		os.WriteFile(outPath, []byte("-- partial"), 0o644)
		return d.dumpErr
	}
	return os.WriteFile(outPath, []byte("CREATE TABLE players (id int);\n"), 0o644)
}

func (d *fakeDumper) Restore(_ context.Context, sqlPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restored = append(d.restored, sqlPath)
	return d.restoreErr
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEvents) CreateEvent(eventType, _, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
	return nil
}

func (e *fakeEvents) GetRecentEvents(int) ([]models.Event, error) { return nil, nil }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type backupFixture struct {
	svc    *BackupService
	paths  BackupPaths
	dumper *fakeDumper
	events *fakeEvents
	clock  *testClock
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()
	root := t.TempDir()
	paths := BackupPaths{
		DataDir: filepath.Join(root, "data"),
		EnvFile: filepath.Join(root, ".env"),
		TempDir: t.TempDir(),
	}
	writeTestFile(t, filepath.Join(paths.DataDir, "site-settings.json"), `{"title":"Arena"}`)
	writeTestFile(t, filepath.Join(paths.DataDir, "uploads", "banner.png"), "png-bytes")
	writeTestFile(t, paths.EnvFile, "ADMIN_TOKEN=secret\n")

	dumper := &fakeDumper{}
	events := &fakeEvents{}
	clock := &testClock{t: time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)}

	svc := NewBackupService(paths, backup.ZipArchiver{}, dumper, events, nil)
	svc.now = clock.Now
	return &backupFixture{svc: svc, paths: paths, dumper: dumper, events: events, clock: clock}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCreateBackupNow(t *testing.T) {
	f := newBackupFixture(t)

	result := f.svc.CreateBackupNow(context.Background())
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "backup-20250510-080000.zip", result.Filename)
	assert.Equal(t, []string{"DATABASE_URL no definida, backup sin dump SQL."}, result.Warnings)

	zipPath := filepath.Join(f.paths.DefaultDir(), result.Filename)
	require.NoError(t, f.svc.VerifyArchive(context.Background(), zipPath))

	status, err := f.svc.GetBackupStatus(context.Background())
	require.NoError(t, err)
	require.NotNil(t, status.LastBackupAt)
	assert.True(t, status.LastBackupAt.Equal(f.clock.Now()))
	assert.Equal(t, 1, status.CopiesAvailable)
	require.NotNil(t, status.LatestBackup)
	assert.Equal(t, result.Filename, status.LatestBackup.Filename)
	assert.True(t, status.LatestBackup.CreatedAt.Equal(f.clock.Now()))
	require.NotNil(t, status.NextBackupAt)
	assert.True(t, status.NextBackupAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.False(t, status.Running)

	assert.Equal(t, []string{"backup.create"}, f.events.events)

	entries, err := os.ReadDir(f.paths.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory must be removed")
}

func TestCreateBackupNow_ArchiveContents(t *testing.T) {
	f := newBackupFixture(t)
	f.dumper.configured = true
	writeTestFile(t, filepath.Join(f.paths.ManualDir(), "1-old.zip"), "zip")
	writeTestFile(t, filepath.Join(f.paths.DataDir, "maps", "backups", "nested.zip"), "zip")

	result := f.svc.CreateBackupNow(context.Background())
	require.True(t, result.OK, result.Error)
	assert.Empty(t, result.Warnings)

	r, err := zip.OpenReader(filepath.Join(f.paths.DefaultDir(), result.Filename))
	require.NoError(t, err)
	defer r.Close()

	names := map[string]bool{}
	for _, file := range r.File {
		names[file.Name] = true
	}
	assert.True(t, names["backup/.backup-manifest.json"])
	assert.True(t, names["backup/database.sql"])
	assert.True(t, names["backup/.env"])
	assert.True(t, names["backup/data/site-settings.json"])
	assert.True(t, names["backup/data/uploads/banner.png"])
	assert.False(t, names["backup/data/backups-manual/1-old.zip"])
	assert.False(t, names["backup/data/maps/backups/nested.zip"])
	for name := range names {
		assert.NotContains(t, name, "backup/data/backups/")
	}
}

func TestCreateBackupNow_DumpFailureIsWarning(t *testing.T) {
	f := newBackupFixture(t)
	f.dumper.configured = true
	f.dumper.dumpErr = errors.New("connection refused")

	result := f.svc.CreateBackupNow(context.Background())
	require.True(t, result.OK, result.Error)
	assert.Equal(t, []string{"No se pudo ejecutar pg_dump (connection refused)."}, result.Warnings)
	assert.NoError(t, f.svc.VerifyArchive(context.Background(), filepath.Join(f.paths.DefaultDir(), result.Filename)))
}

func TestCreateBackupNow_Rotation(t *testing.T) {
	f := newBackupFixture(t)
	_, err := f.svc.UpdateBackupSettings(context.Background(), models.BackupSettingsUpdate{MaxCopies: intPtr(3)})
	require.NoError(t, err)

	manualPath := filepath.Join(f.paths.ManualDir(), "1700000000000-keep.zip")
	writeTestFile(t, manualPath, "manual")
	old := f.clock.Now().Add(-365 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(manualPath, old, old))

	var created []string
	for i := 0; i < 5; i++ {
		result := f.svc.CreateBackupNow(context.Background())
		require.True(t, result.OK, result.Error)
		created = append(created, result.Filename)
		f.clock.Advance(time.Hour)
	}

	entries, err := listBackupDir(f.paths.DefaultDir(), models.ScopeDefault)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, created[4], entries[0].Filename)
	assert.Equal(t, created[3], entries[1].Filename)
	assert.Equal(t, created[2], entries[2].Filename)

	assert.FileExists(t, manualPath)

	all, err := f.svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, models.ScopeManual, all[3].Scope)
	assert.True(t, all[3].ProtectedFromRotation)
}

func TestCreateBackupNow_SameSecondKeepsBoth(t *testing.T) {
	f := newBackupFixture(t)

	first := f.svc.CreateBackupNow(context.Background())
	require.True(t, first.OK, first.Error)
	f.clock.Advance(400 * time.Millisecond)
	second := f.svc.CreateBackupNow(context.Background())
	require.True(t, second.OK, second.Error)

	assert.Equal(t, "backup-20250510-080000.zip", first.Filename)
	assert.Equal(t, "backup-20250510-080000-1.zip", second.Filename)
	for _, name := range []string{first.Filename, second.Filename} {
		assert.NoError(t, f.svc.VerifyArchive(context.Background(), filepath.Join(f.paths.DefaultDir(), name)))
	}

	entries, err := listBackupDir(f.paths.DefaultDir(), models.ScopeDefault)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.Filename, entries[0].Filename)
}

func TestCreateBackupNow_SingleFlight(t *testing.T) {
	f := newBackupFixture(t)
	f.dumper.configured = true
	f.dumper.block = make(chan struct{})
	f.dumper.entered = make(chan struct{})

	done := make(chan models.BackupRunResult)
	go func() { done <- f.svc.CreateBackupNow(context.Background()) }()
	<-f.dumper.entered

	assert.True(t, f.svc.IsRunning())
	second := f.svc.CreateBackupNow(context.Background())
	assert.False(t, second.OK)
	assert.Equal(t, "Ya hay un backup en ejecución", second.Error)
	assert.NotNil(t, second.Warnings)

	close(f.dumper.block)
	first := <-done
	assert.True(t, first.OK, first.Error)
	assert.False(t, f.svc.IsRunning())

	entries, err := listBackupDir(f.paths.DefaultDir(), models.ScopeDefault)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRestoreBackupFromScope_Gating(t *testing.T) {
	f := newBackupFixture(t)

	// Remove the data directory: a refused restore must not recreate or touch anything.
	require.NoError(t, os.RemoveAll(f.paths.DataDir))

	result := f.svc.RestoreBackupFromScope(context.Background(), models.ScopeDefault, "../../etc/passwd", false)
	assert.Equal(t, ErrCodeConfirmRequired, result.Error)
	assert.False(t, result.OK)
	assert.NoDirExists(t, f.paths.DataDir)

	for _, name := range []string{"../../etc/passwd.zip", `..\x.zip`, "backup.tar", "", "a b.zip"} {
		result = f.svc.RestoreBackupFromScope(context.Background(), models.ScopeDefault, name, true)
		assert.Equal(t, ErrCodeInvalidFilename, result.Error, name)
	}

	result = f.svc.RestoreBackupFromScope(context.Background(), models.ScopeManual, "backup-20990101-000000.zip", true)
	assert.Equal(t, ErrCodeBackupNotFound, result.Error)
	assert.Empty(t, f.events.events)
}

func TestRestoreBackup_RoundTrip(t *testing.T) {
	f := newBackupFixture(t)
	f.dumper.configured = true

	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	writeTestFile(t, filepath.Join(f.paths.DataDir, "site-settings.json"), `{"title":"Changed"}`)
	require.NoError(t, os.RemoveAll(filepath.Join(f.paths.DataDir, "uploads")))

	result := f.svc.RestoreBackup(context.Background(), created.Filename, true)
	require.True(t, result.OK, result.Error)
	assert.Empty(t, result.Warnings)

	assert.Equal(t, `{"title":"Arena"}`, readTestFile(t, filepath.Join(f.paths.DataDir, "site-settings.json")))
	assert.Equal(t, "png-bytes", readTestFile(t, filepath.Join(f.paths.DataDir, "uploads", "banner.png")))
	assert.Len(t, f.dumper.restored, 1)
	assert.FileExists(t, filepath.Join(f.paths.DefaultDir(), created.Filename))
}

func TestRestoreBackup_EmptyDumpSkipsImport(t *testing.T) {
	f := newBackupFixture(t)

	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	f.dumper.configured = true
	result := f.svc.RestoreBackup(context.Background(), created.Filename, true)
	require.True(t, result.OK, result.Error)
	assert.Equal(t, []string{"El backup no contiene dump SQL, se omite el import."}, result.Warnings)
	assert.Empty(t, f.dumper.restored)
}

func TestRestoreBackup_SQLFailureIsWarning(t *testing.T) {
	f := newBackupFixture(t)
	f.dumper.configured = true
	f.dumper.restoreErr = errors.New("psql: permission denied")

	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	result := f.svc.RestoreBackup(context.Background(), created.Filename, true)
	require.True(t, result.OK, result.Error)
	assert.Equal(t, []string{"No se pudo restaurar SQL con psql (psql: permission denied)."}, result.Warnings)
}

func TestRestoreBackup_TamperedArchiveRejected(t *testing.T) {
	f := newBackupFixture(t)
	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	zipPath := filepath.Join(f.paths.DefaultDir(), created.Filename)
	tampered := rewriteZip(t, zipPath, func(name string, data []byte) []byte {
		if name == "backup/data/site-settings.json" {
			data = append([]byte(nil), data...)
			data[0] = '['
		}
		return data
	})
	require.NoError(t, os.Rename(tampered, zipPath))

	writeTestFile(t, filepath.Join(f.paths.DataDir, "site-settings.json"), "live")
	result := f.svc.RestoreBackup(context.Background(), created.Filename, true)
	assert.False(t, result.OK)
	assert.Equal(t, "Contenido inválido: hash distinto en data/site-settings.json", result.Error)
	assert.Equal(t, "live", readTestFile(t, filepath.Join(f.paths.DataDir, "site-settings.json")))
	assert.Contains(t, f.events.events, "backup.restore.fail")
}

// rewriteZip copies a zip, passing every file's content through edit.
func rewriteZip(t *testing.T, src string, edit func(name string, data []byte) []byte) string {
	t.Helper()
	r, err := zip.OpenReader(src)
	require.NoError(t, err)
	defer r.Close()

	dst := filepath.Join(t.TempDir(), "tampered.zip")
	out, err := os.Create(dst)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	for _, file := range r.File {
		if file.FileInfo().IsDir() {
			_, err := w.Create(file.Name)
			require.NoError(t, err)
			continue
		}
		rc, err := file.Open()
		require.NoError(t, err)
		data := make([]byte, file.UncompressedSize64)
		_, err = io.ReadFull(rc, data)
		require.NoError(t, err)
		rc.Close()

		fw, err := w.Create(file.Name)
		require.NoError(t, err)
		_, err = fw.Write(edit(file.Name, data))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
	return dst
}

func TestRegisterUploadedManualBackup(t *testing.T) {
	f := newBackupFixture(t)
	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	upload := filepath.Join(f.paths.UploadTempDir(), "abc123")
	require.NoError(t, backup.CopyFile(filepath.Join(f.paths.DefaultDir(), created.Filename), upload))

	result := f.svc.RegisterUploadedManualBackup(context.Background(), upload, "my server (copy).ZIP")
	require.True(t, result.OK, result.Error)
	assert.Equal(t, "1746864000000-my_server__copy_.zip", result.Filename)
	assert.NoFileExists(t, upload)
	assert.FileExists(t, filepath.Join(f.paths.ManualDir(), result.Filename))

	restored := f.svc.RestoreBackupFromScope(context.Background(), models.ScopeManual, result.Filename, true)
	assert.True(t, restored.OK, restored.Error)

	path, err := f.svc.GetBackupZipForDownload(models.ScopeManual, result.Filename)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.paths.ManualDir(), result.Filename), path)
}

func TestRegisterUploadedManualBackup_RejectsAndDeletes(t *testing.T) {
	f := newBackupFixture(t)
	created := f.svc.CreateBackupNow(context.Background())
	require.True(t, created.OK, created.Error)

	t.Run("extra file", func(t *testing.T) {
		src := filepath.Join(f.paths.DefaultDir(), created.Filename)
		bad := rewriteZipWithExtra(t, src, "backup/data/planted.txt", "surprise")

		result := f.svc.RegisterUploadedManualBackup(context.Background(), bad, "planted.zip")
		assert.False(t, result.OK)
		assert.Equal(t, "Manifest inválido: archivo extra no permitido data/planted.txt", result.Error)
		assert.NoFileExists(t, bad)
		assertManualEmpty(t, f)
	})

	t.Run("no backup root", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "flat.zip")
		out, err := os.Create(bad)
		require.NoError(t, err)
		w := zip.NewWriter(out)
		fw, err := w.Create("readme.txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte("hi"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, out.Close())

		result := f.svc.RegisterUploadedManualBackup(context.Background(), bad, "flat.zip")
		assert.False(t, result.OK)
		assert.Equal(t, "Upload rechazado: debe contener carpeta raíz backup/", result.Error)
		assertManualEmpty(t, f)
	})

	t.Run("not a zip", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "junk")
		writeTestFile(t, bad, "junk")

		result := f.svc.RegisterUploadedManualBackup(context.Background(), bad, "")
		assert.False(t, result.OK)
		assertManualEmpty(t, f)
	})

	assert.Contains(t, f.events.events, "backup.upload.reject")
}

func rewriteZipWithExtra(t *testing.T, src, name, content string) string {
	t.Helper()
	dst := rewriteZip(t, src, func(_ string, data []byte) []byte { return data })

	r, err := zip.OpenReader(dst)
	require.NoError(t, err)
	defer r.Close()

	final := filepath.Join(t.TempDir(), "extra.zip")
	out, err := os.Create(final)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	for _, file := range r.File {
		require.NoError(t, w.Copy(file))
	}
	fw, err := w.Create(name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
	return final
}

func assertManualEmpty(t *testing.T, f *backupFixture) {
	t.Helper()
	entries, err := listBackupDir(f.paths.ManualDir(), models.ScopeManual)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetBackupZipForDownload_NotFound(t *testing.T) {
	f := newBackupFixture(t)

	_, err := f.svc.GetBackupZipForDownload(models.ScopeDefault, "backup-20990101-000000.zip")
	assert.ErrorIs(t, err, ErrBackupNotFound)

	_, err = f.svc.GetBackupZipForDownload(models.ScopeDefault, "../.env")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestBackupSettings(t *testing.T) {
	f := newBackupFixture(t)

	status, err := f.svc.GetBackupStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, 3, status.MaxCopies)
	assert.Equal(t, 1, status.IntervalDays)
	assert.Nil(t, status.LastBackupAt)
	assert.Nil(t, status.NextBackupAt)
	assert.Nil(t, status.LatestBackup)

	status, err = f.svc.UpdateBackupSettings(context.Background(), models.BackupSettingsUpdate{
		MaxCopies:    intPtr(100),
		IntervalDays: intPtr(7),
	})
	require.NoError(t, err)
	assert.Equal(t, 30, status.MaxCopies)
	assert.Equal(t, 7, status.IntervalDays)

	f.svc.CreateBackupNow(context.Background())
	status, err = f.svc.SetBackupsEnabled(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.NotNil(t, status.LastBackupAt)
	assert.Nil(t, status.NextBackupAt, "no next backup while disabled")
}

func intPtr(v int) *int { return &v }
