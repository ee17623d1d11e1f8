package torrent

import (
	"errors"
	"log"
	"net"
	"strconv"
	"time"
)

const handshakeTimeout = 20 * time.Second

// Receiver owns the inbound listening socket and, for every admitted
// Peer, a dedicated blocking-read goroutine. One Receiver is shared by
// every torrent on the Overseer; it dispatches decoded frames to the
// Torrent that owns the info_hash named in the handshake.
type Receiver struct {
	ln     net.Listener
	ov     *Overseer
	log    *log.Logger
	stopCh chan struct{}
}

// NewReceiver binds the listening socket for inbound peer connections.
func NewReceiver(ov *Overseer, port int, logger *log.Logger) (*Receiver, error) {
	ln, err := net.Listen("tcp", addrForPort(port))
	if err != nil {
		return nil, &ConnectError{Addr: addrForPort(port), Cause: err}
	}
	return &Receiver{ln: ln, ov: ov, log: logger, stopCh: make(chan struct{})}, nil
}

func addrForPort(port int) string {
	if port <= 0 {
		return ":0"
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

func (r *Receiver) Addr() net.Addr { return r.ln.Addr() }

func (r *Receiver) Stop() {
	close(r.stopCh)
	r.ln.Close()
}

// Run accepts inbound connections until Stop is called, handshaking each
// one in its own goroutine so a slow or hostile peer cannot stall
// acceptance of the next connection.
func (r *Receiver) Run() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
				r.log.Printf("accept: %v", err)
				continue
			}
		}
		go r.handshakeInbound(conn)
	}
}

func (r *Receiver) handshakeInbound(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	remote, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	t := r.ov.lookup(remote.InfoHash)
	if t == nil {
		conn.Close()
		return
	}
	ours := Handshake{InfoHash: remote.InfoHash, PeerID: r.ov.peerID}
	if _, err := ours.WriteTo(conn); err != nil {
		conn.Close()
		return
	}
	r.completeHandshake(t, conn, remote, true)
}

// handshakeOutbound performs the initiator side: we send our handshake
// first, then read theirs.
func (r *Receiver) handshakeOutbound(t *Torrent, conn net.Conn, addr string) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	ours := Handshake{InfoHash: t.mi.InfoHash, PeerID: r.ov.peerID}
	if _, err := ours.WriteTo(conn); err != nil {
		conn.Close()
		return
	}
	remote, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	if remote.InfoHash != t.mi.InfoHash {
		conn.Close()
		return
	}
	r.completeHandshake(t, conn, remote, false)
}

func (r *Receiver) completeHandshake(t *Torrent, conn net.Conn, remote Handshake, incoming bool) {
	conn.SetDeadline(time.Time{})
	p := newPeer(t, conn, conn.RemoteAddr().String(), incoming)
	p.remote = remote.PeerID
	if !t.admitPeer(p) {
		conn.Close()
		return
	}
	p.sendBitfield(t.pieces.snapshotHave())
	go r.readLoop(t, p)
}

// readLoop is the per-peer blocking read goroutine: it feeds the
// connection's bytes through p's ring buffer, decodes complete frames,
// and dispatches each to the owning Torrent.
func (r *Receiver) readLoop(t *Torrent, p *Peer) {
	defer func() {
		p.shutdown()
		t.removePeer(p)
	}()
	for {
		select {
		case <-p.done:
			return
		default:
		}
		slice := p.recvBuf.writeSlice()
		if slice == nil {
			if _, ok := p.recvBuf.takeFrame(); !ok {
				r.log.Printf("peer %s: receive buffer full without a complete frame", p.addr)
				return
			}
			continue
		}
		n, err := p.conn.Read(slice)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Printf("peer %s: %v", p.addr, err)
			}
			return
		}
		p.recvBuf.commitWrite(n)
		for {
			frame, ok := p.recvBuf.takeFrame()
			if !ok {
				break
			}
			if err := r.dispatch(t, p, frame); err != nil {
				r.log.Printf("peer %s: %v", p.addr, err)
				return
			}
		}
	}
}

// dispatch decodes and routes one frame. It marks the message as seen
// only once the handler accepts it, so onBitfield's first-message check
// sees the peer's true prior state rather than this call's own message.
func (r *Receiver) dispatch(t *Torrent, p *Peer, frame []byte) error {
	if len(frame) == 0 {
		return nil // keep-alive
	}
	msg := Message{ID: MessageID(frame[0]), Payload: frame[1:]}

	var err error
	switch msg.ID {
	case MsgChoke:
		t.onChokeReceived(p)
	case MsgUnchoke:
		t.onUnchokeReceived(p)
	case MsgInterested:
		t.onInterestedReceived(p, true)
	case MsgNotInterested:
		t.onInterestedReceived(p, false)
	case MsgHave:
		var index uint32
		if index, err = decodeHave(msg.Payload); err == nil {
			err = t.onHave(p, index)
		}
	case MsgBitfield:
		err = t.onBitfield(p, msg.Payload)
	case MsgRequest:
		var req blockRequest
		if req, err = decodeBlockRequest(msg.Payload); err == nil {
			err = t.onRequest(p, req)
		}
	case MsgPiece:
		var pm pieceMessage
		if pm, err = decodePieceMessage(msg.Payload); err == nil {
			err = t.onPieceMessage(p, pm)
		}
	case MsgCancel:
		var req blockRequest
		if req, err = decodeBlockRequest(msg.Payload); err == nil {
			t.onCancel(p, req)
		}
	case MsgPort:
		_, err = decodePort(msg.Payload)
	default:
		err = &ProtocolError{Reason: "unrecognized message id"}
	}
	if err != nil {
		return err
	}
	t.markMessageSeen(p)
	return nil
}
