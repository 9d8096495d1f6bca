package models

import "time"

// BackupScope identifies which directory an archive lives in.
type BackupScope string

const (
	// ScopeDefault holds system-generated archives subject to rotation.
	ScopeDefault BackupScope = "default"
	// ScopeManual holds uploaded archives; rotation never touches them.
	ScopeManual BackupScope = "manual"
)

// ParseBackupScope maps "manual" to ScopeManual and anything else to ScopeDefault.
func ParseBackupScope(s string) BackupScope {
	if s == string(ScopeManual) {
		return ScopeManual
	}
	return ScopeDefault
}

// BackupSettings is persisted as data/backup-settings.json.
type BackupSettings struct {
	Enabled      bool       `json:"enabled"`
	MaxCopies    int        `json:"maxCopies"`
	IntervalDays int        `json:"intervalDays"`
	LastBackupAt *time.Time `json:"lastBackupAt"`
}

// BackupSettingsUpdate carries a partial settings change. Nil fields keep their current value.
type BackupSettingsUpdate struct {
	Enabled      *bool `json:"enabled,omitempty"`
	MaxCopies    *int  `json:"maxCopies,omitempty"`
	IntervalDays *int  `json:"intervalDays,omitempty"`
}

// BackupEntry describes one archive found on disk.
type BackupEntry struct {
	Scope                 BackupScope `json:"scope"`
	ProtectedFromRotation bool        `json:"protectedFromRotation"`
	Filename              string      `json:"filename"`
	FullPath              string      `json:"-"` // Internal use, not exposed to client
	SizeBytes             int64       `json:"sizeBytes"`
	CreatedAt             time.Time   `json:"createdAt"`
}

// BackupManifestFile is one inventory line of a manifest.
type BackupManifestFile struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"sizeBytes"`
}

// BackupManifest is embedded in every archive as .backup-manifest.json.
type BackupManifest struct {
	FormatVersion int                  `json:"formatVersion"`
	Files         []BackupManifestFile `json:"files"`
}

// BackupRunResult is returned by every backup-mutating operation.
type BackupRunResult struct {
	OK       bool     `json:"ok"`
	Filename string   `json:"filename,omitempty"`
	Warnings []string `json:"warnings"`
	Error    string   `json:"error,omitempty"`
}

// BackupStatus is the settings document plus derived runtime fields.
type BackupStatus struct {
	BackupSettings
	Running         bool         `json:"running"`
	CopiesAvailable int          `json:"copiesAvailable"`
	LatestBackup    *BackupEntry `json:"latestBackup"`
	NextBackupAt    *time.Time   `json:"nextBackupAt"`
	DiskFreeBytes   uint64       `json:"diskFreeBytes,omitempty"`
}
