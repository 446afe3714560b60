// Package output manages where batch artifacts live on disk. Every path it
// hands out is scoped by task ID so concurrent batches never share a file.
package output

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

const (
	workDir      = "work"
	processedDir = "processed"
	uploadsDir   = "uploads"
	clipExt      = ".mp4"
)

var (
	ErrInvalidPath      = errors.New("invalid artifact path")
	ErrExtensionDenied  = errors.New("file extension not allowed")
	AllowedUploadFormat = []string{".mp4", ".mov", ".avi"}
)

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	for _, dir := range []string{workDir, processedDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Store{root: root}, nil
}

func (s *Store) Root() string {
	return s.root
}

func validID(taskID string) error {
	if taskID == "" || taskID != filepath.Base(taskID) || strings.HasPrefix(taskID, ".") {
		return fmt.Errorf("%w: task id %q", ErrInvalidPath, taskID)
	}
	return nil
}

// ReserveIntermediatePath returns the scratch location for one item of one
// task, creating the task's work directory.
func (s *Store) ReserveIntermediatePath(taskID string, index int) (string, error) {
	if err := validID(taskID); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, workDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	return filepath.Join(dir, fmt.Sprintf("item_%d%s", index, clipExt)), nil
}

// FinalPath is the deterministic location of a finished clip.
func (s *Store) FinalPath(taskID string, index int) string {
	return filepath.Join(s.root, processedDir, taskID, fmt.Sprintf("clip_%04d%s", index, clipExt))
}

// WriteFinal copies r into the final location through a temporary file so
// readers never observe a partially written clip.
func (s *Store) WriteFinal(taskID string, index int, r io.Reader) (string, error) {
	if err := validID(taskID); err != nil {
		return "", err
	}

	finalPath := s.FinalPath(taskID, index)
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".clip-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp output: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write output: %w", err)
	}

	if err := os.Rename(tmpName, finalPath); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize output: %w", err)
	}

	slog.Debug("final clip written", "task_id", taskID, "index", index, "path", finalPath, "size", humanize.Bytes(uint64(n)))
	return finalPath, nil
}

// Cleanup removes an intermediate artifact. Failures are logged and
// otherwise ignored.
func (s *Store) Cleanup(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove intermediate artifact", "path", path, "error", err)
		return
	}

	// Drop the task work dir once its last intermediate is gone.
	dir := filepath.Dir(path)
	if filepath.Dir(dir) == filepath.Join(s.root, workDir) {
		_ = os.Remove(dir)
	}
}

// ListFinals returns final clips relative to the processed directory,
// ordered by task then item index.
func (s *Store) ListFinals() ([]string, error) {
	base := filepath.Join(s.root, processedDir)
	var finals []string

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), clipExt) || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		finals = append(finals, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}

	sort.Strings(finals)
	return finals, nil
}

// Usage reports how many final clips exist and their combined size.
func (s *Store) Usage() (int, int64, error) {
	finals, err := s.ListFinals()
	if err != nil {
		return 0, 0, err
	}

	var total int64
	for _, rel := range finals {
		info, err := os.Stat(filepath.Join(s.root, processedDir, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return len(finals), total, nil
}

// Open opens a final clip by the relative path ListFinals reported.
func (s *Store) Open(rel string) (*os.File, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") || filepath.Ext(clean) != clipExt {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	return os.Open(filepath.Join(s.root, processedDir, clean))
}

// WriteArchive streams every final clip into a zip archive.
func (s *Store) WriteArchive(w io.Writer) error {
	finals, err := s.ListFinals()
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, rel := range finals {
		if err := s.addToArchive(zw, rel); err != nil {
			_ = zw.Close()
			return err
		}
	}

	return zw.Close()
}

func (s *Store) addToArchive(zw *zip.Writer, rel string) error {
	f, err := s.Open(rel)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close archived clip", "path", rel, "error", err)
		}
	}()

	// Clips are already compressed; storing avoids wasted CPU.
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: rel, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", rel, err)
	}

	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return nil
}

// SaveUpload stores an uploaded source video in its own directory.
func (s *Store) SaveUpload(name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedUpload(ext) {
		return "", fmt.Errorf("%w: %q", ErrExtensionDenied, ext)
	}

	dir := filepath.Join(s.root, uploadsDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	path := filepath.Join(dir, "source"+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	slog.Info("upload stored", "path", path, "size", humanize.Bytes(uint64(n)))
	return path, nil
}

func allowedUpload(ext string) bool {
	for _, allowed := range AllowedUploadFormat {
		if ext == allowed {
			return true
		}
	}
	return false
}

// RemoveUpload deletes the upload directory holding path. Paths outside the
// uploads area are left alone and reported as not removed.
func (s *Store) RemoveUpload(path string) (bool, error) {
	dir := filepath.Dir(filepath.Clean(path))
	if path == "" || filepath.Dir(dir) != filepath.Join(s.root, uploadsDir) {
		return false, nil
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove upload %s: %w", filepath.Base(dir), err)
	}
	return true, nil
}
