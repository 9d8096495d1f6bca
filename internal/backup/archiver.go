package backup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Archiver packs a directory into a zip and unpacks it again. The zip always holds a single
// root folder named after the source directory.
type Archiver interface {
	Compress(ctx context.Context, srcDir, zipPath string) error
	Extract(ctx context.Context, zipPath, destDir string) error
}

// Archiver kinds accepted by NewArchiver.
const (
	ArchiverNative  = "native"
	ArchiverCommand = "command"
)

// DefaultMaxExtractBytes caps the uncompressed size of an archive accepted for extraction.
const DefaultMaxExtractBytes int64 = 8 << 30

// DefaultMaxExtractEntries caps the number of entries in an archive accepted for extraction.
const DefaultMaxExtractEntries = 100000

// ErrArchiveTooLarge is returned when an archive exceeds its ExtractLimits.
var ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")

// ExtractLimits bounds what an archive may expand to. Zero fields use the defaults.
type ExtractLimits struct {
	MaxBytes   int64
	MaxEntries int
}

func (l ExtractLimits) withDefaults() ExtractLimits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxExtractBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxExtractEntries
	}
	return l
}

// CheckLimits reads the central directory of zipPath and rejects it when its declared
// contents exceed the limits.
func (l ExtractLimits) CheckLimits(zipPath string) error {
	zipReader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zipReader.Close()
	return l.check(zipReader.File)
}

func (l ExtractLimits) check(files []*zip.File) error {
	l = l.withDefaults()
	if len(files) > l.MaxEntries {
		return fmt.Errorf("%w: %d entries, limit %d", ErrArchiveTooLarge, len(files), l.MaxEntries)
	}
	var total uint64
	for _, f := range files {
		total += f.UncompressedSize64
		if total > uint64(l.MaxBytes) {
			return fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, l.MaxBytes)
		}
	}
	return nil
}

// NewArchiver returns the archiver for kind. Unknown kinds fall back to the native one.
func NewArchiver(kind string, runner Runner, limits ExtractLimits) Archiver {
	if kind == ArchiverCommand {
		a := NewCommandArchiver(runner)
		a.limits = limits
		return a
	}
	return ZipArchiver{Limits: limits}
}

// ZipArchiver compresses in-process with archive/zip.
type ZipArchiver struct {
	Limits ExtractLimits
}

// Compress writes srcDir, including empty directories, to zipPath.
func (ZipArchiver) Compress(ctx context.Context, srcDir, zipPath string) (err error) {
	zipFile, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("could not create archive: %w", err)
	}
	defer func() {
		if cerr := zipFile.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(zipPath) // Clean up partial file
		}
	}()

	zipWriter := zip.NewWriter(zipFile)
	base := filepath.Base(srcDir)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := base
		if relPath != "." {
			name = base + "/" + filepath.ToSlash(relPath)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			header.Name = name + "/"
			_, err = zipWriter.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate
		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}
		fileToZip, err := os.Open(path)
		if err != nil {
			return err
		}
		defer fileToZip.Close()
		_, err = io.Copy(writer, fileToZip)
		return err
	})
	if err != nil {
		zipWriter.Close()
		return fmt.Errorf("failed to zip %s: %w", srcDir, err)
	}
	return zipWriter.Close()
}

// Extract unpacks zipPath under destDir, rejecting entries that would land outside it and
// archives that expand beyond the limits.
func (a ZipArchiver) Extract(ctx context.Context, zipPath, destDir string) error {
	zipReader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zipReader.Close()

	limits := a.Limits.withDefaults()
	if err := limits.check(zipReader.File); err != nil {
		return err
	}
	// Declared sizes can lie; count what is actually written.
	remaining := limits.MaxBytes

	root := filepath.Clean(destDir) + string(os.PathSeparator)
	for _, f := range zipReader.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		fpath := filepath.Join(destDir, filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/")))
		// Prevent ZipSlip
		if !strings.HasPrefix(fpath+string(os.PathSeparator), root) {
			return fmt.Errorf("invalid file path in zip: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}
		written, err := extractFile(f, fpath, remaining)
		if err != nil {
			return err
		}
		remaining -= written
	}
	return nil
}

func extractFile(f *zip.File, dest string, remaining int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	outFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(outFile, io.LimitReader(rc, remaining+1))
	if err != nil {
		outFile.Close()
		return written, err
	}
	if written > remaining {
		outFile.Close()
		return written, fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, remaining)
	}
	return written, outFile.Close()
}

// CommandArchiver shells out to the platform archiving tools: zip/unzip, or PowerShell
// Compress-Archive/Expand-Archive on Windows.
type CommandArchiver struct {
	runner Runner
	goos   string
	limits ExtractLimits
}

// NewCommandArchiver creates a CommandArchiver for the running OS.
func NewCommandArchiver(runner Runner) *CommandArchiver {
	return &CommandArchiver{runner: runner, goos: runtime.GOOS}
}

// Compress runs zip from the parent of srcDir so the archive root is the directory name.
func (a *CommandArchiver) Compress(ctx context.Context, srcDir, zipPath string) error {
	zipPath, err := filepath.Abs(zipPath)
	if err != nil {
		return err
	}
	if a.goos == "windows" {
		return a.powershell(ctx, fmt.Sprintf("Compress-Archive -Path '%s' -DestinationPath '%s' -Force",
			psQuote(srcDir), psQuote(zipPath)))
	}
	return a.runner.Run(ctx, filepath.Dir(srcDir), "zip", "-r", "-q", zipPath, filepath.Base(srcDir))
}

// Extract runs unzip into destDir, overwriting existing files. The central directory is
// checked against the limits first.
func (a *CommandArchiver) Extract(ctx context.Context, zipPath, destDir string) error {
	if err := a.limits.CheckLimits(zipPath); err != nil {
		return err
	}
	if a.goos == "windows" {
		return a.powershell(ctx, fmt.Sprintf("Expand-Archive -LiteralPath '%s' -DestinationPath '%s' -Force",
			psQuote(zipPath), psQuote(destDir)))
	}
	return a.runner.Run(ctx, "", "unzip", "-q", "-o", zipPath, "-d", destDir)
}

func (a *CommandArchiver) powershell(ctx context.Context, script string) error {
	return a.runner.Run(ctx, "", "powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-Command", script)
}

func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
