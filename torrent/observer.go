package torrent

// Observer receives best-effort status notifications from a Torrent. It
// is entirely optional and a call to it is never retried. Each call is
// made synchronously on the goroutine that changed the state, so a slow
// observer delays that goroutine and a panic in it is not recovered.
// Implementations must be safe for concurrent use, since notifications
// can arrive from the hasher, peer read goroutines, and Start/Stop
// callers at once.
type Observer interface {
	OnTorrentState(infoHash [20]byte, state State, downloaded, total, uploaded int64, numPeers int)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) OnTorrentState(infoHash [20]byte, state State, downloaded, total, uploaded int64, numPeers int) {
}
