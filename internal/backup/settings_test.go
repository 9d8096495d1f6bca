package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsStore_MissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "backup-settings.json")
	store := NewSettingsStore(path)

	settings, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), settings)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "}\n"))
	assert.Contains(t, string(raw), "\n  \"maxCopies\": 3,")
}

func TestSettingsStore_MalformedFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	settings, err := NewSettingsStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), settings)

	reloaded, err := NewSettingsStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), reloaded)
}

func TestSettingsStore_ClampsPersistedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-settings.json")
	doc := `{"enabled": true, "maxCopies": 99, "intervalDays": 0.5, "lastBackupAt": "2025-03-01T10:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	settings, err := NewSettingsStore(path).Load()
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, MaxCopies, settings.MaxCopies)
	assert.Equal(t, MinIntervalDays, settings.IntervalDays)
	require.NotNil(t, settings.LastBackupAt)
	assert.True(t, settings.LastBackupAt.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestSettingsStore_WrongTypesFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup-settings.json")
	doc := `{"enabled": "yes", "maxCopies": "7", "intervalDays": [], "lastBackupAt": 12}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	settings, err := NewSettingsStore(path).Load()
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, 7, settings.MaxCopies)
	assert.Equal(t, 1, settings.IntervalDays)
	assert.Nil(t, settings.LastBackupAt)
}

func TestSettingsStore_MutateRoundTrip(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "backup-settings.json"))
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	_, err := store.Mutate(func(s *models.BackupSettings) {
		s.MaxCopies = 5
		s.LastBackupAt = &at
	})
	require.NoError(t, err)

	settings, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 5, settings.MaxCopies)
	require.NotNil(t, settings.LastBackupAt)
	assert.True(t, settings.LastBackupAt.Equal(at))
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  int
	}{
		{"in range", 4.0, 4},
		{"floored", 4.9, 4},
		{"below", -3.0, 1},
		{"above", 1000.0, 30},
		{"numeric string", " 12 ", 12},
		{"bad string", "many", 3},
		{"nil", nil, 3},
		{"bool", true, 3},
		{"int", 8, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampInt(tt.value, 3, MinCopies, MaxCopies))
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	current := DefaultSettings()
	disabled := false
	copies := 0
	interval := 400

	next := ApplyUpdate(current, models.BackupSettingsUpdate{
		Enabled:      &disabled,
		MaxCopies:    &copies,
		IntervalDays: &interval,
	})
	assert.False(t, next.Enabled)
	assert.Equal(t, MinCopies, next.MaxCopies)
	assert.Equal(t, MaxIntervalDays, next.IntervalDays)

	unchanged := ApplyUpdate(current, models.BackupSettingsUpdate{})
	assert.Equal(t, current, unchanged)
}
