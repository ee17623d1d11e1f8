package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrForPort(t *testing.T) {
	assert.Equal(t, ":0", addrForPort(0))
	assert.Equal(t, ":6881", addrForPort(6881))
}

func TestDispatchRoutesHaveMessage(t *testing.T) {
	mi := testMetainfo(t, 4, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(4)}

	r := &Receiver{log: discardLogger()}
	frame := EncodeMessage(Message{ID: MsgHave, Payload: encodeHave(2)})
	// strip the 4-byte length prefix dispatch doesn't expect.
	err := r.dispatch(tor, p, frame[4:])
	require.NoError(t, err)
	assert.True(t, p.hasPiece(2))
}

func TestDispatchAcceptsFirstBitfield(t *testing.T) {
	mi := testMetainfo(t, 8, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(8)}

	bf := NewBitfield(8)
	bf.Set(0, true)
	bf.Set(5, true)

	r := &Receiver{log: discardLogger()}
	frame := EncodeMessage(Message{ID: MsgBitfield, Payload: append([]byte(nil), bf...)})
	err := r.dispatch(tor, p, frame[4:])
	require.NoError(t, err)
	assert.True(t, p.hasPiece(0))
	assert.True(t, p.hasPiece(5))

	// a second bitfield on the same connection is a protocol violation.
	err = r.dispatch(tor, p, frame[4:])
	require.Error(t, err)
}

func TestDispatchKeepAliveIsNoop(t *testing.T) {
	r := &Receiver{log: discardLogger()}
	err := r.dispatch(nil, nil, nil)
	require.NoError(t, err)
}

func TestDispatchRejectsUnrecognizedMessageID(t *testing.T) {
	mi := testMetainfo(t, 4, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(4)}

	r := &Receiver{log: discardLogger()}
	err := r.dispatch(tor, p, []byte{byte(MessageID(99))})
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestDispatchPropagatesDecodeErrors(t *testing.T) {
	mi := testMetainfo(t, 4, ChunkSize, ChunkSize)
	tor := newBareTorrent(t, mi)
	p := &Peer{haveBits: NewBitfield(4)}

	r := &Receiver{log: discardLogger()}
	frame := append([]byte{byte(MsgHave)}, 1, 2) // malformed have payload
	err := r.dispatch(tor, p, frame)
	require.Error(t, err)
}
