package torrent

import "github.com/google/uuid"

// PeerID is the 20-byte client identifier exchanged during the
// handshake.
type PeerID [20]byte

const clientPrefix = "-GB0001-"

// NewPeerID derives a 20-byte Azureus-style peer-id from a fresh UUID.
func NewPeerID() PeerID {
	var id PeerID
	copy(id[:], clientPrefix)
	u := uuid.New()
	copy(id[len(clientPrefix):], u[:20-len(clientPrefix)])
	return id
}

func (id PeerID) String() string { return string(id[:]) }
