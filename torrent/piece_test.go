package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetainfo(t *testing.T, numPieces int, pieceLen int64, lastPieceLen int64) *Metainfo {
	t.Helper()
	total := pieceLen*int64(numPieces-1) + lastPieceLen
	return &Metainfo{
		PieceLen:  pieceLen,
		TotalSize: total,
		NumPieces: numPieces,
		PieceHash: make([][20]byte, numPieces),
		Files:     []FileEntry{{Path: "f", Length: total}},
	}
}

func TestPieceTableChunkLifecycle(t *testing.T) {
	mi := testMetainfo(t, 2, ChunkSize*2, ChunkSize)
	pt := newPieceTable(mi)

	assert.False(t, pt.haveAll())
	assert.Equal(t, mi.TotalSize, pt.leftBytes())

	complete := pt.onChunkWritten(0, 0)
	assert.False(t, complete)
	complete = pt.onChunkWritten(0, 1)
	assert.True(t, complete)

	pt.onHashSuccess(0)
	assert.True(t, pt.have(0))
	assert.Equal(t, mi.TotalSize-mi.PieceLength(0), pt.leftBytes())
}

func TestPieceTableHashFailureResetsChunks(t *testing.T) {
	mi := testMetainfo(t, 1, ChunkSize, ChunkSize)
	pt := newPieceTable(mi)
	pt.onChunkWritten(0, 0)
	pt.onHashFail(0)
	assert.False(t, pt.have(0))
	assert.False(t, pt.haveChunk(0, 0))
	assert.False(t, pt.isHashing(0))
}

func TestPieceTableRequestedByAndEndgameCancel(t *testing.T) {
	mi := testMetainfo(t, 1, ChunkSize, ChunkSize)
	pt := newPieceTable(mi)
	p1 := &Peer{}
	p2 := &Peer{}

	pt.addRequest(0, 0, p1)
	pt.addRequest(0, 0, p2)
	assert.True(t, pt.isRequested(0, 0))

	others := pt.clearRequest(0, 0, p1)
	require.Len(t, others, 1)
	assert.Same(t, p2, others[0])
	assert.False(t, pt.isRequested(0, 0))
}

func TestPieceTableClearAllRequestsFrom(t *testing.T) {
	mi := testMetainfo(t, 2, ChunkSize, ChunkSize)
	pt := newPieceTable(mi)
	p := &Peer{}
	pt.addRequest(0, 0, p)
	pt.addRequest(1, 0, p)
	pt.clearAllRequestsFrom(p)
	assert.False(t, pt.isRequested(0, 0))
	assert.False(t, pt.isRequested(1, 0))
}

func TestPieceTableCardinality(t *testing.T) {
	mi := testMetainfo(t, 1, ChunkSize, ChunkSize)
	pt := newPieceTable(mi)
	pt.adjustCardinality(0, 1)
	pt.adjustCardinality(0, 1)
	assert.Equal(t, 2, pt.cardinalityOf(0))
	pt.adjustCardinality(0, -1)
	assert.Equal(t, 1, pt.cardinalityOf(0))
}

func TestPieceTableEndgameThreshold(t *testing.T) {
	mi := testMetainfo(t, 100, ChunkSize, ChunkSize)
	pt := newPieceTable(mi)
	assert.False(t, pt.endgame())
	for i := 0; i < 95; i++ {
		pt.onChunkWritten(i, 0)
		pt.onHashSuccess(i)
	}
	assert.True(t, pt.endgame())
}

func TestChunkIndexOf(t *testing.T) {
	assert.Equal(t, 0, chunkIndexOf(0))
	assert.Equal(t, 1, chunkIndexOf(ChunkSize))
	assert.Equal(t, 1, chunkIndexOf(ChunkSize+100))
}
