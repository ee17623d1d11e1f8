package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTorrentWithData(t *testing.T, data []byte, pieceLen int64) *Torrent {
	t.Helper()
	mi := &Metainfo{
		PieceLen:  pieceLen,
		TotalSize: int64(len(data)),
		NumPieces: 1,
		PieceHash: [][20]byte{sha1.Sum(data)},
		Files:     []FileEntry{{Path: "f", Length: int64(len(data))}},
	}

	dir := t.TempDir()
	fs, err := NewFileStore(dir, mi.Files, 0)
	require.NoError(t, err)
	_, err = fs.Prepare()
	require.NoError(t, err)
	require.NoError(t, fs.WriteAt(mi.Files[0].Path, 0, data))

	return &Torrent{mi: mi, fs: fs, pieces: newPieceTable(mi)}
}

func TestHasherVerifyMatchesHash(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
	tor := newTestTorrentWithData(t, data, int64(len(data)))
	h := NewHasher(discardLogger())

	ok, err := h.verify(tor, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasherVerifyDetectsMismatch(t *testing.T) {
	data := []byte("some piece content of known length!!")
	tor := newTestTorrentWithData(t, data, int64(len(data)))
	tor.mi.PieceHash[0][0] ^= 0xFF // corrupt expected hash
	h := NewHasher(discardLogger())

	ok, err := h.verify(tor, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasherEnqueueAndCancelAll(t *testing.T) {
	h := NewHasher(discardLogger())
	tA := &Torrent{}
	tB := &Torrent{}
	h.Enqueue(tA, 0)
	h.Enqueue(tB, 1)
	h.Enqueue(tA, 2)

	h.CancelAll(tA)
	require.Len(t, h.queue, 1)
	assert.Same(t, tB, h.queue[0].t)
}
