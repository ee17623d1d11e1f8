package torrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareTorrent(t *testing.T, mi *Metainfo) *Torrent {
	t.Helper()
	tor := &Torrent{
		mi:     mi,
		log:    discardLogger(),
		pieces: newPieceTable(mi),
		peers:  make(map[*Peer]struct{}),
	}
	tor.ck = newChoker(tor)
	return tor
}

func TestAdmitPeerRejectsSelfDuplicateAndOverflow(t *testing.T) {
	mi := testMetainfo(t, 2, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	tor.peerID = PeerID{1}
	tor.maxPeers = 1

	self := &Peer{remote: PeerID{1}, addr: "a"}
	assert.False(t, tor.admitPeer(self))

	p1 := &Peer{remote: PeerID{2}, addr: "peer1"}
	require.True(t, tor.admitPeer(p1))

	p2 := &Peer{remote: PeerID{3}, addr: "peer2"}
	assert.False(t, tor.admitPeer(p2), "should reject once max_peers reached")

	dup := &Peer{remote: PeerID{4}, addr: "peer1"}
	tor.maxPeers = 10
	assert.False(t, tor.admitPeer(dup), "should reject duplicate address")
}

func TestRemovePeerAdjustsCardinalityAndClearsRequests(t *testing.T) {
	mi := testMetainfo(t, 2, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	tor.maxPeers = 10

	p := &Peer{remote: PeerID{9}, addr: "x", haveBits: NewBitfield(2)}
	tor.peers[p] = struct{}{}
	p.setHavePiece(0)
	tor.pieces.adjustCardinality(0, 1)
	tor.pieces.addRequest(1, 0, p)

	tor.removePeer(p)
	assert.Equal(t, 0, tor.pieces.cardinalityOf(0))
	assert.False(t, tor.pieces.isRequested(1, 0))
	assert.Equal(t, 0, tor.peerCount())
}

func TestOnHaveUpdatesCardinalityAndRejectsOutOfRange(t *testing.T) {
	mi := testMetainfo(t, 2, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(2)}

	require.NoError(t, tor.onHave(p, 0))
	assert.True(t, p.hasPiece(0))
	assert.Equal(t, 1, tor.pieces.cardinalityOf(0))

	err := tor.onHave(p, 99)
	require.Error(t, err)
}

func TestOnBitfieldRejectsWhenNotFirstMessage(t *testing.T) {
	mi := testMetainfo(t, 8, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(8)}
	tor.markMessageSeen(p)

	err := tor.onBitfield(p, make([]byte, 1))
	require.Error(t, err)
}

func TestOnRequestHonorsPeerChokedState(t *testing.T) {
	data := []byte("block payload used for upload test")
	tor := newTestTorrentWithData(t, data, int64(len(data)))
	tor.pieces.onHashSuccess(0)

	choked := &Peer{peerChoked: true}
	require.NoError(t, tor.onRequest(choked, blockRequest{Index: 0, Begin: 0, Length: uint32(len(data))}))
	assert.False(t, choked.hasQueuedFrames(), "a choked peer's request must not be served")

	unchoked := &Peer{peerChoked: false}
	require.NoError(t, tor.onRequest(unchoked, blockRequest{Index: 0, Begin: 0, Length: uint32(len(data))}))
	assert.True(t, unchoked.hasQueuedFrames(), "an unchoked peer's request must be served")
}

func TestOnCancelRemovesQueuedPieceFrame(t *testing.T) {
	mi := testMetainfo(t, 1, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{}
	p.queueMessage(Message{ID: MsgPiece, Payload: encodePieceMessage(pieceMessage{Index: 0, Begin: 0, Data: []byte("xyz")})})
	require.True(t, p.hasQueuedFrames())

	tor.onCancel(p, blockRequest{Index: 0, Begin: 0, Length: 3})
	assert.False(t, p.hasQueuedFrames())
}

func TestPieceFilesAllReopened(t *testing.T) {
	mi := &Metainfo{
		PieceLen:  ChunkSize,
		TotalSize: ChunkSize * 2,
		NumPieces: 2,
		Files: []FileEntry{
			{Path: "a", Length: ChunkSize},
			{Path: "b", Length: ChunkSize},
		},
	}
	tor := newBareTorrent(t, mi)

	reopened := map[string]bool{"a": true, "b": true}
	assert.True(t, tor.pieceFilesAllReopened(0, reopened))
	assert.True(t, tor.pieceFilesAllReopened(1, reopened))

	reopened["b"] = false
	assert.True(t, tor.pieceFilesAllReopened(0, reopened))
	assert.False(t, tor.pieceFilesAllReopened(1, reopened))
}

func TestOnPieceMessageCountsDownloadedPerChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, int(ChunkSize*2))
	tor := newTestTorrentWithData(t, data, ChunkSize*2)
	tor.ck = newChoker(tor)

	p := &Peer{haveBits: NewBitfield(1)}
	require.NoError(t, tor.onPieceMessage(p, pieceMessage{Index: 0, Begin: 0, Data: data[:ChunkSize]}))

	assert.Equal(t, int64(ChunkSize), tor.downloadedBytes(),
		"downloaded must count a written chunk immediately, before its piece passes hashing")
	assert.False(t, tor.pieces.have(0), "the piece is not yet complete after only one of its two chunks")
}

func TestPickChunkForPrefersRarestPiece(t *testing.T) {
	mi := testMetainfo(t, 3, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	tor.pieces.adjustCardinality(0, 5)
	tor.pieces.adjustCardinality(1, 1)
	tor.pieces.adjustCardinality(2, 3)

	p := &Peer{haveBits: NewBitfield(3)}
	p.setHavePiece(0)
	p.setHavePiece(1)
	p.setHavePiece(2)

	piece, _, ok := tor.pickChunkFor(p, false)
	require.True(t, ok)
	assert.Equal(t, 1, piece, "the rarest piece (lowest cardinality) should be picked first")
}
