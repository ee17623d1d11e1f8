package torrent

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxOpenFilesDefault bounds the FileStore's handle pool.
const maxOpenFilesDefault = 128

type fileHandle struct {
	path     string
	length   int64
	handle   *os.File
	lastUsed time.Time
	reopened bool
	mu       sync.RWMutex // per-file content lock
	inUse    int
}

// FileStore is a fixed-size pool of open file handles backing one
// torrent's payload files, serving random-access read/write at byte
// offsets with LRU eviction of handles over max_open_files.
type FileStore struct {
	root    string
	maxOpen int
	poolMu  sync.RWMutex
	files   map[string]*fileHandle
}

// NewFileStore creates a FileStore rooted at dir with the given file
// layout. It opens no files: Prepare creates and sizes them, and a
// handle that is not open is reopened (without resizing) on first access.
func NewFileStore(dir string, entries []FileEntry, maxOpen int) (*FileStore, error) {
	if maxOpen <= 0 {
		maxOpen = maxOpenFilesDefault
	}
	fs := &FileStore{
		root:    dir,
		maxOpen: maxOpen,
		files:   make(map[string]*fileHandle, len(entries)),
	}
	for _, e := range entries {
		full := filepath.Join(dir, filepath.FromSlash(e.Path))
		fs.files[e.Path] = &fileHandle{path: full, length: e.Length}
	}
	return fs, nil
}

// Prepare opens (or creates/truncates) every backing file up front and
// reports, per file, whether it pre-existed with a matching length
// ("reopened" — the Torrent uses this to decide which pieces need
// re-hashing on startup).
func (fs *FileStore) Prepare() (map[string]bool, error) {
	reopened := make(map[string]bool, len(fs.files))
	fs.poolMu.Lock()
	defer fs.poolMu.Unlock()
	for relPath, fh := range fs.files {
		if err := os.MkdirAll(filepath.Dir(fh.path), 0o755); err != nil {
			return nil, &IoError{Path: fh.path, Cause: err}
		}
		info, statErr := os.Stat(fh.path)
		matches := statErr == nil && info.Size() == fh.length
		if fs.countOpenLocked() >= fs.maxOpen {
			fs.evictOldestLocked()
		}
		f, err := os.OpenFile(fh.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, &IoError{Path: fh.path, Cause: err}
		}
		if !matches {
			if err := f.Truncate(fh.length); err != nil {
				f.Close()
				return nil, &IoError{Path: fh.path, Cause: err}
			}
		}
		fh.handle = f
		fh.reopened = matches
		fh.lastUsed = time.Now()
		reopened[relPath] = matches
	}
	return reopened, nil
}

// acquire returns the handle for relPath, opening it (and evicting the
// least-recently-used handle if the pool is full) if necessary. Caller
// must release() when done.
func (fs *FileStore) acquire(relPath string) (*fileHandle, error) {
	fs.poolMu.Lock()
	fh, ok := fs.files[relPath]
	if !ok {
		fs.poolMu.Unlock()
		return nil, &IoError{Path: relPath, Cause: os.ErrNotExist}
	}
	if fh.handle == nil {
		if err := fs.openLocked(fh); err != nil {
			fs.poolMu.Unlock()
			return nil, err
		}
	}
	fh.inUse++
	fh.lastUsed = time.Now()
	fs.poolMu.Unlock()
	return fh, nil
}

func (fs *FileStore) release(fh *fileHandle) {
	fs.poolMu.Lock()
	fh.inUse--
	fh.lastUsed = time.Now()
	fs.poolMu.Unlock()
}

// openLocked opens fh's handle, evicting the oldest idle handle first if
// the pool is at capacity. fs.poolMu must be held.
func (fs *FileStore) openLocked(fh *fileHandle) error {
	if fs.countOpenLocked() >= fs.maxOpen {
		fs.evictOldestLocked()
	}
	if err := os.MkdirAll(filepath.Dir(fh.path), 0o755); err != nil {
		return &IoError{Path: fh.path, Cause: err}
	}
	f, err := os.OpenFile(fh.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &IoError{Path: fh.path, Cause: err}
	}
	fh.handle = f
	return nil
}

func (fs *FileStore) countOpenLocked() int {
	n := 0
	for _, fh := range fs.files {
		if fh.handle != nil {
			n++
		}
	}
	return n
}

func (fs *FileStore) evictOldestLocked() {
	var oldest *fileHandle
	for _, fh := range fs.files {
		if fh.handle == nil || fh.inUse > 0 {
			continue
		}
		if oldest == nil || fh.lastUsed.Before(oldest.lastUsed) {
			oldest = fh
		}
	}
	if oldest != nil {
		oldest.handle.Close()
		oldest.handle = nil
	}
}

// ReadAt reads len(buf) bytes from relPath starting at offset.
func (fs *FileStore) ReadAt(relPath string, offset int64, buf []byte) error {
	fh, err := fs.acquire(relPath)
	if err != nil {
		return err
	}
	defer fs.release(fh)
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	if _, err := fh.handle.ReadAt(buf, offset); err != nil {
		return &IoError{Path: fh.path, Cause: err}
	}
	return nil
}

// WriteAt writes buf to relPath starting at offset.
func (fs *FileStore) WriteAt(relPath string, offset int64, buf []byte) error {
	fh, err := fs.acquire(relPath)
	if err != nil {
		return err
	}
	defer fs.release(fh)
	fh.mu.Lock()
	defer fh.mu.Unlock()
	if _, err := fh.handle.WriteAt(buf, offset); err != nil {
		return &IoError{Path: fh.path, Cause: err}
	}
	return nil
}

// Close releases every open handle.
func (fs *FileStore) Close() error {
	fs.poolMu.Lock()
	defer fs.poolMu.Unlock()
	var firstErr error
	for _, fh := range fs.files {
		if fh.handle != nil {
			if err := fh.handle.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			fh.handle = nil
		}
	}
	return firstErr
}
