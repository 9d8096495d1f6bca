package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/q3-portal-be/internal/api/request"
	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/rs/zerolog/log"
)

// MaxUploadBytes caps the size of an uploaded backup archive.
const MaxUploadBytes int64 = 2 << 30

const uploadField = "file"

var (
	errNoUploadFile   = errors.New("No backup file provided")
	errNotZipUpload   = errors.New("Solo se permite archivo .zip")
	errUploadTooLarge = errors.New("File too large")
)

// BackupHandler handles HTTP requests related to backups.
type BackupHandler struct {
	service        services.BackupServiceProvider
	uploadDir      string
	maxUploadBytes int64
}

// NewBackupHandler creates a new BackupHandler. Uploads are streamed into uploadDir.
func NewBackupHandler(service services.BackupServiceProvider, uploadDir string) *BackupHandler {
	return &BackupHandler{service: service, uploadDir: uploadDir, maxUploadBytes: MaxUploadBytes}
}

type statusResponse struct {
	Status models.BackupStatus `json:"status"`
}

type runResponse struct {
	models.BackupRunResult
	Status models.BackupStatus `json:"status"`
}

type uploadResponse struct {
	Result  models.BackupRunResult `json:"result"`
	Backups []models.BackupEntry   `json:"backups"`
}

// Status returns the settings and runtime state of the backup engine.
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetBackupStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read backup status")
		writeError(w, http.StatusInternalServerError, "Failed to fetch backup status")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// List returns every archive in both scopes, newest first.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.service.ListBackups(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backups")
		writeError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

// UpdateSettings applies a partial settings change.
func (h *BackupHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req request.UpdateBackupSettings
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.service.UpdateBackupSettings(r.Context(), models.BackupSettingsUpdate{
		Enabled:      req.Enabled,
		MaxCopies:    req.MaxCopies,
		IntervalDays: req.IntervalDays,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to update backup settings")
		writeError(w, http.StatusInternalServerError, "Failed to update backup settings")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// Start enables scheduled backups.
func (h *BackupHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Stop disables scheduled backups.
func (h *BackupHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *BackupHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	status, err := h.service.SetBackupsEnabled(r.Context(), enabled)
	if err != nil {
		log.Error().Err(err).Bool("enabled", enabled).Msg("Failed to toggle backups")
		writeError(w, http.StatusInternalServerError, "Failed to update backup settings")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: status})
}

// Run creates a backup synchronously.
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	result := h.service.CreateBackupNow(r.Context())
	if !result.OK {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	status, err := h.service.GetBackupStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read backup status after run")
		writeError(w, http.StatusInternalServerError, "Failed to create backup")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{BackupRunResult: result, Status: status})
}

// Restore replaces live data with the contents of an archive.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req request.RestoreBackup
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scope := models.ParseBackupScope(req.Scope)
	result := h.service.RestoreBackupFromScope(r.Context(), scope, strings.TrimSpace(req.Filename), req.ConfirmRestore)
	if !result.OK {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Download streams an archive as an attachment.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	scope := models.ParseBackupScope(chi.URLParam(r, "scope"))
	filename := strings.TrimSpace(chi.URLParam(r, "filename"))

	fullPath, err := h.service.GetBackupZipForDownload(scope, filename)
	if err != nil {
		writeError(w, http.StatusNotFound, "Backup not found")
		return
	}

	f, err := os.Open(fullPath)
	if err != nil {
		log.Error().Err(err).Str("filename", filename).Msg("Failed to open backup for download")
		writeError(w, http.StatusNotFound, "Backup not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprint(info.Size()))
	}
	if _, err := io.Copy(w, f); err != nil {
		log.Warn().Err(err).Str("filename", filename).Msg("Backup download interrupted")
	}
}

// Upload accepts a multipart archive in the "file" field and registers it as a manual backup.
func (h *BackupHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	tempPath, originalName, err := h.receiveUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = errUploadTooLarge
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := h.service.RegisterUploadedManualBackup(r.Context(), tempPath, originalName)
	if !result.OK {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	backups, err := h.service.ListBackups(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backups after upload")
		writeError(w, http.StatusInternalServerError, "Failed to upload backup")
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{Result: result, Backups: backups})
}

// receiveUpload streams the first file part into the upload directory without buffering it in memory.
func (h *BackupHandler) receiveUpload(r *http.Request) (string, string, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return "", "", errNoUploadFile
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return "", "", errNoUploadFile
		}
		if err != nil {
			return "", "", err
		}
		if part.FormName() != uploadField || part.FileName() == "" {
			part.Close()
			continue
		}
		defer part.Close()

		originalName := filepath.Base(part.FileName())
		if strings.ToLower(filepath.Ext(originalName)) != ".zip" {
			return "", "", errNotZipUpload
		}
		tempPath, err := h.spool(part)
		if err != nil {
			return "", "", err
		}
		return tempPath, originalName, nil
	}
}

func (h *BackupHandler) spool(part *multipart.Part) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(h.uploadDir, "upload-*.tmp")
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(f, part)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(f.Name())
		if copyErr != nil {
			return "", copyErr
		}
		return "", closeErr
	}
	return f.Name(), nil
}
