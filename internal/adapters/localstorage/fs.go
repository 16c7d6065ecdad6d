package localstorage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"digemidscraper/internal/core/domain"
	"digemidscraper/internal/normalize"
)

const exportExt = ".xlsx"

// LocalStorage implements ports.ExportStore for the local filesystem.
type LocalStorage struct {
	BaseDir    string
	ArchiveDir string // consumed files are moved here; removed when empty
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(baseDir, archiveDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir, ArchiveDir: archiveDir}
}

// EnsureDir creates the export and archive directories.
func (s *LocalStorage) EnsureDir() error {
	if err := os.MkdirAll(s.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", s.BaseDir, err)
	}
	if s.ArchiveDir != "" {
		if err := os.MkdirAll(s.ArchiveDir, 0755); err != nil {
			return fmt.Errorf("failed to create archive directory %s: %w", s.ArchiveDir, err)
		}
	}
	return nil
}

// Dir returns the export directory.
func (s *LocalStorage) Dir() string {
	return s.BaseDir
}

// PathFor returns the canonical export path for a search text.
func (s *LocalStorage) PathFor(searchText string) string {
	return filepath.Join(s.BaseDir, normalize.Stem(searchText)+exportExt)
}

// Staged lists the .xlsx files waiting in the export directory, sorted by name.
// Office lock files (~$name.xlsx) are ignored.
func (s *LocalStorage) Staged(ctx context.Context) ([]domain.ExportFile, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read export directory %s: %w", s.BaseDir, err)
	}

	var files []domain.ExportFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "~$") || !strings.EqualFold(filepath.Ext(name), exportExt) {
			continue
		}
		files = append(files, domain.ExportFile{
			SearchText: normalize.Stem(strings.TrimSuffix(name, filepath.Ext(name))),
			Path:       filepath.Join(s.BaseDir, name),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Place moves a downloaded file onto the canonical path for searchText,
// replacing any previous export for the same text.
func (s *LocalStorage) Place(ctx context.Context, downloaded, searchText string) (domain.ExportFile, error) {
	dest := s.PathFor(searchText)
	file := domain.ExportFile{SearchText: searchText, Path: dest}
	if downloaded == dest {
		return file, nil
	}
	if err := moveFile(downloaded, dest); err != nil {
		return domain.ExportFile{}, fmt.Errorf("failed to place export %s: %w", dest, err)
	}
	return file, nil
}

// Consume archives the file when an archive directory is set and removes it otherwise.
func (s *LocalStorage) Consume(ctx context.Context, file domain.ExportFile) error {
	if s.ArchiveDir == "" {
		if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove export %s: %w", file.Path, err)
		}
		return nil
	}
	dest := filepath.Join(s.ArchiveDir, filepath.Base(file.Path))
	if err := moveFile(file.Path, dest); err != nil {
		return fmt.Errorf("failed to archive export %s: %w", file.Path, err)
	}
	return nil
}

// moveFile renames src to dst, copying when they sit on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}
