package torrent

import "fmt"

// MetadataError signals malformed or incomplete torrent metadata.
// Construction of a Torrent fails outright when this is returned.
type MetadataError struct {
	Field string
	Cause error
}

func (e *MetadataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("metadata: %s: %v", e.Field, e.Cause)
	}
	return fmt.Sprintf("metadata: %s", e.Field)
}

func (e *MetadataError) Unwrap() error { return e.Cause }

// TrackerError wraps an HTTP or bencode failure during an announce.
// It is logged and the next announce is retried on schedule; it never
// aborts the torrent.
type TrackerError struct {
	URL   string
	Cause error
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.URL, e.Cause)
}

func (e *TrackerError) Unwrap() error { return e.Cause }

// ProtocolError marks a peer's violation of the wire protocol. The
// connection that produced it is dropped; the owning Torrent is
// unaffected.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Reason }

// ConnectError wraps a failed or timed-out outbound TCP connect. The
// pending peer is discarded.
type ConnectError struct {
	Addr  string
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// IoError wraps a file-system failure. It is fatal for the affected
// torrent: the torrent stops requesting and surfaces the error via a
// state transition.
type IoError struct {
	Path  string
	Cause error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Path, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }
