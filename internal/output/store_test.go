package output

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewStore_CreatesLayout(t *testing.T) {
	s := setupStore(t)

	for _, dir := range []string{workDir, processedDir, uploadsDir} {
		info, err := os.Stat(filepath.Join(s.Root(), dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestReserveIntermediatePath_TaskScoped(t *testing.T) {
	s := setupStore(t)

	a, err := s.ReserveIntermediatePath("task-a", 0)
	require.NoError(t, err)
	b, err := s.ReserveIntermediatePath("task-b", 0)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "same index of different tasks must not collide")
	assert.Equal(t, filepath.Join(s.Root(), "work", "task-a", "item_0.mp4"), a)

	_, err = os.Stat(filepath.Dir(a))
	assert.NoError(t, err, "work directory should exist")
}

func TestReserveIntermediatePath_InvalidID(t *testing.T) {
	s := setupStore(t)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := s.ReserveIntermediatePath(id, 0)
		assert.ErrorIs(t, err, ErrInvalidPath, "id %q", id)
	}
}

func TestWriteFinal(t *testing.T) {
	s := setupStore(t)

	path, err := s.WriteFinal("task-a", 7, strings.NewReader("clip-bytes"))
	require.NoError(t, err)
	assert.Equal(t, s.FinalPath("task-a", 7), path)
	assert.Equal(t, "clip_0007.mp4", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "clip-bytes", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files should remain")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestWriteFinal_ReaderError(t *testing.T) {
	s := setupStore(t)

	_, err := s.WriteFinal("task-a", 0, failingReader{})
	require.Error(t, err)

	_, statErr := os.Stat(s.FinalPath("task-a", 0))
	assert.True(t, os.IsNotExist(statErr), "partial clip must not be published")

	entries, err := os.ReadDir(filepath.Dir(s.FinalPath("task-a", 0)))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanup(t *testing.T) {
	s := setupStore(t)

	path, err := s.ReserveIntermediatePath("task-a", 0)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tmp"), 0o644))

	s.Cleanup(path)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Dir(path))
	assert.True(t, os.IsNotExist(err), "empty work dir should be removed")
}

func TestCleanup_MissingFileIsIgnored(t *testing.T) {
	s := setupStore(t)

	assert.NotPanics(t, func() {
		s.Cleanup(filepath.Join(s.Root(), "work", "ghost", "item_0.mp4"))
	})
}

func TestCleanup_KeepsSiblingIntermediates(t *testing.T) {
	s := setupStore(t)

	first, err := s.ReserveIntermediatePath("task-a", 0)
	require.NoError(t, err)
	second, err := s.ReserveIntermediatePath("task-a", 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first, []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("2"), 0o644))

	s.Cleanup(first)

	_, err = os.Stat(second)
	assert.NoError(t, err)
}

func TestListFinals(t *testing.T) {
	s := setupStore(t)

	for _, item := range []struct {
		task  string
		index int
	}{{"task-b", 1}, {"task-a", 2}, {"task-a", 0}} {
		_, err := s.WriteFinal(item.task, item.index, strings.NewReader("x"))
		require.NoError(t, err)
	}

	finals, err := s.ListFinals()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"task-a/clip_0000.mp4",
		"task-a/clip_0002.mp4",
		"task-b/clip_0001.mp4",
	}, finals)
}

func TestListFinals_Empty(t *testing.T) {
	s := setupStore(t)

	finals, err := s.ListFinals()
	require.NoError(t, err)
	assert.Empty(t, finals)
}

func TestUsage(t *testing.T) {
	s := setupStore(t)
	_, err := s.WriteFinal("task-a", 0, strings.NewReader("12345"))
	require.NoError(t, err)
	_, err = s.WriteFinal("task-b", 0, strings.NewReader("678"))
	require.NoError(t, err)

	count, size, err := s.Usage()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(8), size)
}

func TestOpen(t *testing.T) {
	s := setupStore(t)
	_, err := s.WriteFinal("task-a", 0, strings.NewReader("payload"))
	require.NoError(t, err)

	f, err := s.Open("task-a/clip_0000.mp4")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestOpen_RejectsTraversal(t *testing.T) {
	s := setupStore(t)

	tests := []string{
		"../secret.mp4",
		"task-a/../../etc/passwd",
		"/etc/passwd",
		"task-a/notes.txt",
		"",
	}

	for _, rel := range tests {
		t.Run(rel, func(t *testing.T) {
			_, err := s.Open(rel)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestWriteArchive(t *testing.T) {
	s := setupStore(t)
	_, err := s.WriteFinal("task-a", 0, strings.NewReader("first"))
	require.NoError(t, err)
	_, err = s.WriteFinal("task-a", 1, strings.NewReader("second"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.WriteArchive(&buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)

	contents := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		contents[f.Name] = string(data)
	}

	assert.Equal(t, "first", contents["task-a/clip_0000.mp4"])
	assert.Equal(t, "second", contents["task-a/clip_0001.mp4"])
}

func TestSaveUpload(t *testing.T) {
	s := setupStore(t)

	path, err := s.SaveUpload("holiday.MOV", strings.NewReader("video"))
	require.NoError(t, err)
	assert.Equal(t, ".mov", filepath.Ext(path))
	assert.True(t, strings.HasPrefix(path, filepath.Join(s.Root(), "uploads")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))

	other, err := s.SaveUpload("holiday.mov", strings.NewReader("video"))
	require.NoError(t, err)
	assert.NotEqual(t, path, other, "uploads with the same name must not collide")
}

func TestSaveUpload_RejectsExtension(t *testing.T) {
	s := setupStore(t)

	for _, name := range []string{"script.sh", "noext", "clip.mkv"} {
		_, err := s.SaveUpload(name, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrExtensionDenied, "name %q", name)
	}
}

func TestRemoveUpload(t *testing.T) {
	s := setupStore(t)

	keep, err := s.SaveUpload("keep.mp4", strings.NewReader("video"))
	require.NoError(t, err)
	path, err := s.SaveUpload("gone.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	removed, err := s.RemoveUpload(path)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, filepath.Dir(path))
	assert.FileExists(t, keep)

	removed, err = s.RemoveUpload(path)
	require.NoError(t, err)
	assert.True(t, removed, "removing twice is not an error")
}

func TestRemoveUpload_IgnoresOtherPaths(t *testing.T) {
	s := setupStore(t)

	final, err := s.WriteFinal("task-1", 0, strings.NewReader("clip"))
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(outside, []byte("video"), 0o644))

	for _, path := range []string{"", final, outside, filepath.Join(s.Root(), "uploads")} {
		removed, err := s.RemoveUpload(path)
		require.NoError(t, err)
		assert.False(t, removed, "path %q", path)
	}
	assert.FileExists(t, final)
	assert.FileExists(t, outside)
	assert.DirExists(t, filepath.Join(s.Root(), "uploads"))
}
