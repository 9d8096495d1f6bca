package backup

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/rs/zerolog/log"
)

// Bounds applied to every persisted or requested setting.
const (
	MinCopies       = 1
	MaxCopies       = 30
	MinIntervalDays = 1
	MaxIntervalDays = 365
)

// DefaultSettings is written whenever the settings file is missing or unreadable.
func DefaultSettings() models.BackupSettings {
	return models.BackupSettings{
		Enabled:      true,
		MaxCopies:    3,
		IntervalDays: 1,
	}
}

// SettingsStore persists BackupSettings as a JSON document.
type SettingsStore struct {
	path string
	mu   sync.Mutex
}

// NewSettingsStore creates a store backed by path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// Load reads the settings. A missing or malformed file is replaced by the defaults.
func (s *SettingsStore) Load() (models.BackupSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save writes settings atomically.
func (s *SettingsStore) Save(settings models.BackupSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(settings)
}

// Mutate applies fn to the current settings and persists the result as one step.
func (s *SettingsStore) Mutate(fn func(*models.BackupSettings)) (models.BackupSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.load()
	if err != nil {
		return models.BackupSettings{}, err
	}
	fn(&settings)
	if err := s.save(settings); err != nil {
		return models.BackupSettings{}, err
	}
	return settings, nil
}

func (s *SettingsStore) load() (models.BackupSettings, error) {
	raw, err := os.ReadFile(s.path)
	if err == nil {
		var doc map[string]interface{}
		if err = json.Unmarshal(raw, &doc); err == nil && doc != nil {
			return decodeSettings(doc), nil
		}
	}

	log.Warn().Err(err).Str("path", s.path).Msg("Backup settings unreadable, writing defaults")
	defaults := DefaultSettings()
	if err := s.save(defaults); err != nil {
		return models.BackupSettings{}, err
	}
	return defaults, nil
}

func (s *SettingsStore) save(settings models.BackupSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".backup-settings-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// decodeSettings checks each field on its own: wrong types fall back to the defaults and
// numbers are clamped to their bounds.
func decodeSettings(doc map[string]interface{}) models.BackupSettings {
	defaults := DefaultSettings()

	enabled, _ := doc["enabled"].(bool)
	settings := models.BackupSettings{
		Enabled:      enabled,
		MaxCopies:    ClampInt(doc["maxCopies"], defaults.MaxCopies, MinCopies, MaxCopies),
		IntervalDays: ClampInt(doc["intervalDays"], defaults.IntervalDays, MinIntervalDays, MaxIntervalDays),
	}
	if s, ok := doc["lastBackupAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			settings.LastBackupAt = &t
		}
	}
	return settings
}

// ClampInt coerces a JSON number, numeric string or Go int to an integer within [lo, hi],
// flooring fractions. Anything not numeric yields fallback.
func ClampInt(value interface{}, fallback, lo, hi int) int {
	var num float64
	switch v := value.(type) {
	case float64:
		num = v
	case int:
		num = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fallback
		}
		num = parsed
	default:
		return fallback
	}
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return fallback
	}
	num = math.Floor(num)
	if num < float64(lo) {
		return lo
	}
	if num > float64(hi) {
		return hi
	}
	return int(num)
}

// ApplyUpdate merges update into current. Numeric fields are clamped like persisted ones.
func ApplyUpdate(current models.BackupSettings, update models.BackupSettingsUpdate) models.BackupSettings {
	next := current
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	if update.MaxCopies != nil {
		next.MaxCopies = ClampInt(*update.MaxCopies, current.MaxCopies, MinCopies, MaxCopies)
	}
	if update.IntervalDays != nil {
		next.IntervalDays = ClampInt(*update.IntervalDays, current.IntervalDays, MinIntervalDays, MaxIntervalDays)
	}
	return next
}
