package torrent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorePrepareCreatesAndTruncates(t *testing.T) {
	dir := t.TempDir()
	entries := []FileEntry{
		{Path: "a.bin", Length: 10},
		{Path: "sub/b.bin", Length: 20},
	}
	fs, err := NewFileStore(dir, entries, 0)
	require.NoError(t, err)
	defer fs.Close()

	reopened, err := fs.Prepare()
	require.NoError(t, err)
	assert.False(t, reopened["a.bin"])
	assert.False(t, reopened["sub/b.bin"])

	info, err := os.Stat(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
}

func TestFileStorePrepareDetectsReopened(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 10), 0o644))

	fs, err := NewFileStore(dir, []FileEntry{{Path: "a.bin", Length: 10}}, 0)
	require.NoError(t, err)
	defer fs.Close()

	reopened, err := fs.Prepare()
	require.NoError(t, err)
	assert.True(t, reopened["a.bin"])
}

func TestFileStoreReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, []FileEntry{{Path: "a.bin", Length: 10}}, 0)
	require.NoError(t, err)
	defer fs.Close()
	_, err = fs.Prepare()
	require.NoError(t, err)

	require.NoError(t, fs.WriteAt("a.bin", 2, []byte("hi")))
	buf := make([]byte, 2)
	require.NoError(t, fs.ReadAt("a.bin", 2, buf))
	assert.Equal(t, "hi", string(buf))
}

func TestFileStoreEvictsUnderPressure(t *testing.T) {
	dir := t.TempDir()
	entries := []FileEntry{
		{Path: "a.bin", Length: 4},
		{Path: "b.bin", Length: 4},
		{Path: "c.bin", Length: 4},
	}
	fs, err := NewFileStore(dir, entries, 2)
	require.NoError(t, err)
	defer fs.Close()
	_, err = fs.Prepare()
	require.NoError(t, err)

	fs.poolMu.Lock()
	for _, fh := range fs.files {
		fh.handle.Close()
		fh.handle = nil
	}
	fs.poolMu.Unlock()

	require.NoError(t, fs.WriteAt("a.bin", 0, []byte("x")))
	require.NoError(t, fs.WriteAt("b.bin", 0, []byte("y")))
	require.NoError(t, fs.WriteAt("c.bin", 0, []byte("z")))

	fs.poolMu.RLock()
	open := fs.countOpenLocked()
	fs.poolMu.RUnlock()
	assert.LessOrEqual(t, open, 2)
}

func TestFileStoreReadAtMissingFile(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, nil, 0)
	require.NoError(t, err)
	defer fs.Close()
	err = fs.ReadAt("missing.bin", 0, make([]byte, 1))
	require.Error(t, err)
}
