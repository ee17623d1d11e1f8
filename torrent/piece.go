package torrent

import "sync"

// pieceState tracks the mutable per-piece bookkeeping: which chunks are
// held, who has requested each chunk, whether a verification is in
// flight, and how many peers are known to have the piece.
type pieceState struct {
	haveChunk   Bitfield
	numChunks   int
	requestedBy []map[*Peer]struct{}
	hashing     bool
	cardinality int
}

// pieceTable owns have_piece plus the per-piece states for an entire
// torrent. Requests are tracked per-chunk with a set of requesters
// rather than a single owner, so the same chunk can be in flight to
// multiple peers at once during endgame.
type pieceTable struct {
	mi        *Metainfo
	mu        sync.Mutex
	havePiece Bitfield
	pieces    []pieceState
	left      int64
}

func newPieceTable(mi *Metainfo) *pieceTable {
	pt := &pieceTable{
		mi:        mi,
		havePiece: NewBitfield(mi.NumPieces),
		pieces:    make([]pieceState, mi.NumPieces),
		left:      mi.TotalSize,
	}
	for i := range pt.pieces {
		n := mi.ChunksInPiece(i)
		pt.pieces[i] = pieceState{
			haveChunk:   NewBitfield(n),
			numChunks:   n,
			requestedBy: make([]map[*Peer]struct{}, n),
		}
	}
	return pt
}

// markPieceComplete sets have_piece and every have_chunk bit of piece i
// and deducts its length from left, without going through the normal
// chunk-receipt pipeline. Nothing in the package calls it: pieces of
// reopened files are verified through the Hasher at startup instead.
func (pt *pieceTable) markPieceComplete(i int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.havePiece.Get(i) {
		return
	}
	pt.havePiece.Set(i, true)
	for c := 0; c < pt.pieces[i].numChunks; c++ {
		pt.pieces[i].haveChunk.Set(c, true)
	}
	pt.left -= pt.mi.PieceLength(i)
}

func (pt *pieceTable) haveAll() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.havePiece.All(pt.mi.NumPieces)
}

func (pt *pieceTable) leftBytes() int64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.left
}

// endgame reports whether the torrent has crossed the 95% completion
// threshold that permanently enables parallel chunk requests.
func (pt *pieceTable) endgame() bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.mi.TotalSize == 0 {
		return false
	}
	done := pt.mi.TotalSize - pt.left
	return float64(done)/float64(pt.mi.TotalSize) >= 0.95
}

// chunkIndexOf returns the chunk index covering the given in-piece
// offset.
func chunkIndexOf(offset int64) int { return int(offset / ChunkSize) }

// addRequest records that peer p has requested chunk c of piece i.
func (pt *pieceTable) addRequest(i, c int, p *Peer) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.pieces[i].requestedBy[c] == nil {
		pt.pieces[i].requestedBy[c] = make(map[*Peer]struct{})
	}
	pt.pieces[i].requestedBy[c][p] = struct{}{}
}

// clearRequest empties chunk c's requested_by set and returns the
// requesters other than p (used to issue cancels for the duplicate
// in-flight requests endgame mode creates).
func (pt *pieceTable) clearRequest(i, c int, p *Peer) []*Peer {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	set := pt.pieces[i].requestedBy[c]
	delete(set, p)
	others := make([]*Peer, 0, len(set))
	for peer := range set {
		others = append(others, peer)
	}
	pt.pieces[i].requestedBy[c] = nil
	return others
}

// clearAllRequestsFrom drops every requested_by entry naming p, e.g. on
// choke-received or peer teardown.
func (pt *pieceTable) clearAllRequestsFrom(p *Peer) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.pieces {
		for c, set := range pt.pieces[i].requestedBy {
			if set != nil {
				delete(set, p)
				if len(set) == 0 {
					pt.pieces[i].requestedBy[c] = nil
				}
			}
		}
	}
}

// isRequested reports whether chunk c of piece i has any outstanding
// requester.
func (pt *pieceTable) isRequested(i, c int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.pieces[i].requestedBy[c]) > 0
}

// adjustCardinality updates piece i's rarity counter by delta.
func (pt *pieceTable) adjustCardinality(i, delta int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pieces[i].cardinality += delta
}

func (pt *pieceTable) cardinalityOf(i int) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pieces[i].cardinality
}

// setHashing marks piece i as queued-for/undergoing verification.
func (pt *pieceTable) setHashing(i int, v bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pieces[i].hashing = v
}

func (pt *pieceTable) isHashing(i int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pieces[i].hashing
}

func (pt *pieceTable) haveChunk(i, c int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pieces[i].haveChunk.Get(c)
}

// onChunkWritten marks chunk c of piece i as held and reports whether
// every chunk of the piece is now held (caller then enqueues a hash
// job).
func (pt *pieceTable) onChunkWritten(i, c int) (pieceComplete bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pieces[i].haveChunk.Set(c, true)
	return pt.pieces[i].haveChunk.All(pt.pieces[i].numChunks)
}

// onHashFail clears have_piece/have_chunk for piece i so it is
// re-requested.
func (pt *pieceTable) onHashFail(i int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.havePiece.Set(i, false)
	pt.pieces[i].haveChunk = NewBitfield(pt.pieces[i].numChunks)
	pt.pieces[i].hashing = false
}

// onHashSuccess sets have_piece and decrements left by the piece's
// length.
func (pt *pieceTable) onHashSuccess(i int) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pieces[i].hashing = false
	pt.havePiece.Set(i, true)
	pt.left -= pt.mi.PieceLength(i)
}

func (pt *pieceTable) have(i int) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.havePiece.Get(i)
}

func (pt *pieceTable) snapshotHave() Bitfield {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.havePiece.Clone()
}
