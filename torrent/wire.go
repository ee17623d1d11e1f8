package torrent

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID enumerates the post-handshake framed message types.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

// MaxFrameLen bounds a single frame's payload length.
const MaxFrameLen = 128 * 1024

// Message is a decoded post-handshake frame. A zero-value Message with
// IsKeepAlive true represents the length-0 keep-alive.
type Message struct {
	ID          MessageID
	Payload     []byte
	IsKeepAlive bool
}

// EncodeMessage serializes msg as <4-byte length><id><payload>.
func EncodeMessage(msg Message) []byte {
	if msg.IsKeepAlive {
		return []byte{0, 0, 0, 0}
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+len(msg.Payload)+1)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// ReadMessage reads one framed message from r, honoring the 128 KiB
// frame bound. Any frame exceeding it is a protocol violation (the
// caller drops the connection).
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{IsKeepAlive: true}, nil
	}
	if length > MaxFrameLen {
		return Message{}, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds %d", length, MaxFrameLen)}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	return Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// --- payload helpers -------------------------------------------------

func encodeHave(index uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, index)
	return buf
}

func decodeHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, &ProtocolError{Reason: "malformed have payload"}
	}
	return binary.BigEndian.Uint32(payload), nil
}

type blockRequest struct {
	Index, Begin, Length uint32
}

func encodeBlockRequest(b blockRequest) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], b.Index)
	binary.BigEndian.PutUint32(buf[4:8], b.Begin)
	binary.BigEndian.PutUint32(buf[8:12], b.Length)
	return buf
}

func decodeBlockRequest(payload []byte) (blockRequest, error) {
	if len(payload) != 12 {
		return blockRequest{}, &ProtocolError{Reason: "malformed request/cancel payload"}
	}
	return blockRequest{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

type pieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func encodePieceMessage(p pieceMessage) []byte {
	buf := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	copy(buf[8:], p.Data)
	return buf
}

func decodePieceMessage(payload []byte) (pieceMessage, error) {
	if len(payload) < 8 {
		return pieceMessage{}, &ProtocolError{Reason: "malformed piece payload"}
	}
	return pieceMessage{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Data:  payload[8:],
	}, nil
}

func decodePort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, &ProtocolError{Reason: "malformed port payload"}
	}
	return binary.BigEndian.Uint16(payload), nil
}
