package torrent

import (
	"bytes"
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed wire size of a handshake message:
// 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is the fixed 68-byte message exchanged in both directions
// before any framed message. Encode/decode use explicit byte-slice
// packing instead of encoding/binary.Write/Read over the struct so that
// malformed/truncated input produces a ProtocolError instead of a panic.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   PeerID
}

// Encode writes the 68-byte wire representation.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// WriteTo writes the handshake to w.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.Encode())
	return int64(n), err
}

// DecodeHandshake parses a 68-byte buffer, validating pstrlen and pstr.
// The reserved bytes are accepted unconditionally and ignored.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, &ProtocolError{Reason: fmt.Sprintf("handshake length %d, want %d", len(buf), HandshakeLen)}
	}
	if buf[0] != byte(len(protocolName)) {
		return Handshake{}, &ProtocolError{Reason: "bad pstrlen"}
	}
	if !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return Handshake{}, &ProtocolError{Reason: "bad pstr"}
	}
	var h Handshake
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// ReadHandshake reads exactly HandshakeLen bytes from r and decodes them.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}
	return DecodeHandshake(buf)
}
