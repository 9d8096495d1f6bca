package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/isdelr/q3-portal-be/internal/models"
)

const (
	// ManifestFileName is the manifest's name at the archive root.
	ManifestFileName = ".backup-manifest.json"
	// ManifestFormatVersion is the only manifest format understood.
	ManifestFormatVersion = 1
)

// Validation failures. The text is what callers report back to the operator.
var (
	ErrMissingDataDir      = errors.New("Estructura inválida: falta carpeta backup/data")
	ErrMissingDatabaseDump = errors.New("Estructura inválida: falta backup/database.sql")
	ErrMissingManifest     = errors.New("Backup inválido: falta .backup-manifest.json")
	ErrUnreadableManifest  = errors.New("Manifest inválido: no se pudo parsear")
	ErrIncompatibleFormat  = errors.New("Manifest inválido: versión o estructura no compatible")
)

// CollectFiles lists the regular files under root as sorted slash-separated relative paths.
// A missing root yields an empty list.
func CollectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// CreateManifest hashes every regular file under root except the manifest itself.
func CreateManifest(root string) (models.BackupManifest, error) {
	files, err := CollectFiles(root)
	if err != nil {
		return models.BackupManifest{}, fmt.Errorf("could not list staged files: %w", err)
	}

	manifest := models.BackupManifest{
		FormatVersion: ManifestFormatVersion,
		Files:         make([]models.BackupManifestFile, 0, len(files)),
	}
	for _, rel := range files {
		if rel == ManifestFileName {
			continue
		}
		sum, size, err := fileSHA256(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return models.BackupManifest{}, err
		}
		manifest.Files = append(manifest.Files, models.BackupManifestFile{
			Path:      rel,
			SHA256:    sum,
			SizeBytes: size,
		})
	}
	return manifest, nil
}

// WriteManifest stores m at the root as 2-space indented JSON.
func WriteManifest(root string, m models.BackupManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, ManifestFileName), append(data, '\n'), 0o644)
}

// ReadManifest decodes the manifest at the root. Anything but formatVersion 1 with a files
// array is rejected.
func ReadManifest(root string) (models.BackupManifest, error) {
	raw, err := os.ReadFile(filepath.Join(root, ManifestFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.BackupManifest{}, ErrMissingManifest
		}
		return models.BackupManifest{}, ErrUnreadableManifest
	}

	var m models.BackupManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.BackupManifest{}, ErrUnreadableManifest
	}
	// A missing or null files field decodes to nil; an empty array does not.
	if m.FormatVersion != ManifestFormatVersion || m.Files == nil {
		return models.BackupManifest{}, ErrIncompatibleFormat
	}
	return m, nil
}

// ValidateExtractedContent checks an extracted backup/ folder against its manifest: the
// expected layout must be there, the manifest and the files on disk must list exactly the
// same paths, and every file must match its recorded size and digest.
func ValidateExtractedContent(root string) error {
	if info, err := os.Stat(filepath.Join(root, "data")); err != nil || !info.IsDir() {
		return ErrMissingDataDir
	}
	if _, err := os.Stat(filepath.Join(root, "database.sql")); err != nil {
		return ErrMissingDatabaseDump
	}
	if _, err := os.Stat(filepath.Join(root, ManifestFileName)); err != nil {
		return ErrMissingManifest
	}

	manifest, err := ReadManifest(root)
	if err != nil {
		return err
	}

	actual, err := CollectFiles(root)
	if err != nil {
		return fmt.Errorf("could not list extracted files: %w", err)
	}
	onDisk := make(map[string]struct{}, len(actual))
	for _, rel := range actual {
		onDisk[rel] = struct{}{}
	}
	listed := make(map[string]struct{}, len(manifest.Files))
	for _, item := range manifest.Files {
		listed[item.Path] = struct{}{}
	}

	for _, item := range manifest.Files {
		if _, ok := onDisk[item.Path]; !ok {
			return fmt.Errorf("Manifest inválido: falta archivo %s", item.Path)
		}
	}
	for _, rel := range actual {
		if rel == ManifestFileName {
			continue
		}
		if _, ok := listed[rel]; !ok {
			return fmt.Errorf("Manifest inválido: archivo extra no permitido %s", rel)
		}
	}

	for _, item := range manifest.Files {
		fullPath := filepath.Join(root, filepath.FromSlash(item.Path))
		info, err := os.Stat(fullPath)
		if err != nil {
			return fmt.Errorf("Manifest inválido: falta archivo %s", item.Path)
		}
		if info.Size() != item.SizeBytes {
			return fmt.Errorf("Contenido inválido: tamaño distinto en %s", item.Path)
		}
		sum, _, err := fileSHA256(fullPath)
		if err != nil {
			return err
		}
		if sum != item.SHA256 {
			return fmt.Errorf("Contenido inválido: hash distinto en %s", item.Path)
		}
	}
	return nil
}

func fileSHA256(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
