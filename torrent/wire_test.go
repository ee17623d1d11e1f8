package torrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: MsgChoke},
		{ID: MsgHave, Payload: encodeHave(7)},
		{ID: MsgRequest, Payload: encodeBlockRequest(blockRequest{1, 2, 3})},
		{ID: MsgPiece, Payload: encodePieceMessage(pieceMessage{1, 0, []byte("hello")})},
	}
	for _, want := range cases {
		buf := EncodeMessage(want)
		got, err := ReadMessage(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Payload, got.Payload)
	}
}

func TestReadMessageKeepAlive(t *testing.T) {
	got, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.NoError(t, err)
	assert.True(t, got.IsKeepAlive)
}

func TestReadMessageOversizeFrameRejected(t *testing.T) {
	var lenBuf [4]byte
	big := uint32(MaxFrameLen + 1)
	lenBuf[0] = byte(big >> 24)
	lenBuf[1] = byte(big >> 16)
	lenBuf[2] = byte(big >> 8)
	lenBuf[3] = byte(big)
	_, err := ReadMessage(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestHandshakeEncodeDecodeRoundTrip(t *testing.T) {
	var h Handshake
	h.InfoHash = [20]byte{1, 2, 3}
	h.PeerID = PeerID{9, 9, 9}
	buf := h.Encode()
	require.Len(t, buf, HandshakeLen)
	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandshakeRejectsBadLength(t *testing.T) {
	_, err := DecodeHandshake([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeHandshakeRejectsBadProtocolName(t *testing.T) {
	var h Handshake
	buf := h.Encode()
	buf[1] = 'X'
	_, err := DecodeHandshake(buf)
	require.Error(t, err)
}
