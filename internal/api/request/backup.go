package request

// UpdateBackupSettings is a partial settings change. Out-of-range numbers are clamped, not rejected.
type UpdateBackupSettings struct {
	Enabled      *bool `json:"enabled"`
	MaxCopies    *int  `json:"maxCopies"`
	IntervalDays *int  `json:"intervalDays"`
}

// RestoreBackup selects an archive to restore. Filename safety is checked by the backup engine.
type RestoreBackup struct {
	Scope          string `json:"scope" validate:"omitempty,oneof=default manual"`
	Filename       string `json:"filename" validate:"max=255"`
	ConfirmRestore bool   `json:"confirmRestore"`
}

// RconCommand is a console command for the game server.
type RconCommand struct {
	Command string `json:"command" validate:"required,max=1024"`
}
