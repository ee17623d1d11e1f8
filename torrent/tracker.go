package torrent

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Announcer performs the blocking HTTP fetch of a bencoded tracker
// response. The tracker client depends only on this interface, never on
// net/http directly, so tests can supply a fake.
type Announcer interface {
	Announce(ctx context.Context, rawURL string, params url.Values) ([]byte, error)
}

// HTTPAnnouncer is the default Announcer: a plain net/http.Client with a
// fixed timeout and a descriptive User-Agent.
type HTTPAnnouncer struct {
	Client *http.Client
}

func NewHTTPAnnouncer() *HTTPAnnouncer {
	return &HTTPAnnouncer{Client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *HTTPAnnouncer) Announce(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	u.RawQuery = encodeTrackerParams(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "gobit/1.0")

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// encodeTrackerParams encodes params with url.Values.Encode: keys are
// sorted, and every byte outside the RFC-3986 unreserved set becomes %HH
// with uppercase hex, except the space byte, which becomes '+'.
func encodeTrackerParams(params url.Values) string {
	return params.Encode()
}

// trackerResponse mirrors the bencoded tracker announce reply.
type trackerResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	MinInterval   int         `bencode:"min interval"`
	Key           string      `bencode:"key"`
	Peers         interface{} `bencode:"peers"`
}

// PeerAddr is one (ip, port[, peer_id]) triple reported by a tracker.
type PeerAddr struct {
	IP     net.IP
	Port   uint16
	PeerID string
}

func (p PeerAddr) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }

// tier is a group of equal-priority tracker URLs; the current entry is
// sticky: promoted to the head on a successful announce.
type tier struct {
	urls []string
}

func (t *tier) promote(url string) {
	for i, u := range t.urls {
		if u == url {
			if i != 0 {
				copy(t.urls[1:i+1], t.urls[0:i])
				t.urls[0] = u
			}
			return
		}
	}
}

// TrackerClient announces a torrent's state to a tiered list of HTTP
// trackers, parses peer lists out of the response, and hands new peer
// endpoints to the owning Torrent.
type TrackerClient struct {
	announcer Announcer
	tiers     []*tier
	infoHash  [20]byte
	peerID    PeerID
	port      uint16
	key       string
	log       *log.Logger
}

// NewTrackerClient builds a TrackerClient from a torrent's announce
// list, shuffling URLs within each tier once so that repeated runs do
// not always hammer the same tracker first.
func NewTrackerClient(announcer Announcer, announceList [][]string, infoHash [20]byte, peerID PeerID, port uint16, logger *log.Logger) *TrackerClient {
	tiers := make([]*tier, 0, len(announceList))
	for _, group := range announceList {
		urls := append([]string(nil), group...)
		rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
		tiers = append(tiers, &tier{urls: urls})
	}
	return &TrackerClient{
		announcer: announcer,
		tiers:     tiers,
		infoHash:  infoHash,
		peerID:    peerID,
		port:      port,
		log:       logger,
	}
}

// AnnounceResult is what a successful announce hands back to the
// Torrent's scheduler.
type AnnounceResult struct {
	Interval    int
	MinInterval int
	Peers       []PeerAddr
}

// Announce walks tiers in order, trying the current (sticky) tracker of
// each tier and falling through to later trackers/tiers on failure.
func (tc *TrackerClient) Announce(ctx context.Context, event string, uploaded, downloaded, left int64, numwant int) (*AnnounceResult, error) {
	if len(tc.tiers) == 0 {
		return nil, &TrackerError{URL: "", Cause: fmt.Errorf("no trackers configured")}
	}
	var lastErr error
	for _, t := range tc.tiers {
		for _, u := range t.urls {
			res, err := tc.announceOne(ctx, u, event, uploaded, downloaded, left, numwant)
			if err != nil {
				lastErr = &TrackerError{URL: u, Cause: err}
				tc.log.Printf("[tracker] %v", lastErr)
				continue
			}
			t.promote(u)
			return res, nil
		}
	}
	return nil, lastErr
}

func (tc *TrackerClient) announceOne(ctx context.Context, rawURL, event string, uploaded, downloaded, left int64, numwant int) (*AnnounceResult, error) {
	params := url.Values{}
	params.Set("info_hash", string(tc.infoHash[:]))
	params.Set("peer_id", tc.peerID.String())
	params.Set("port", strconv.Itoa(int(tc.port)))
	params.Set("uploaded", strconv.FormatInt(uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(downloaded, 10))
	params.Set("left", strconv.FormatInt(left, 10))
	params.Set("compact", "1")
	if event != "" {
		params.Set("event", event)
	}
	if numwant >= 0 {
		params.Set("numwant", strconv.Itoa(numwant))
	}
	if tc.key != "" {
		params.Set("key", tc.key)
	}

	body, err := tc.announcer.Announce(ctx, rawURL, params)
	if err != nil {
		return nil, err
	}

	var resp trackerResponse
	if err := decodeBencode(bytesReader(body), &resp); err != nil {
		return nil, fmt.Errorf("decoding tracker response: %w", err)
	}
	if resp.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", resp.FailureReason)
	}
	if resp.Key != "" {
		tc.key = resp.Key
	}

	peers, err := parsePeers(resp.Peers)
	if err != nil {
		return nil, err
	}
	peers = dedupePeers(peers, tc.peerID.String())

	return &AnnounceResult{Interval: resp.Interval, MinInterval: resp.MinInterval, Peers: peers}, nil
}

// parsePeers accepts either the compact 6-byte-per-peer string form or
// the dictionary-list form.
func parsePeers(raw interface{}) ([]PeerAddr, error) {
	switch v := raw.(type) {
	case string:
		return parseCompactPeers([]byte(v))
	case []interface{}:
		out := make([]PeerAddr, 0, len(v))
		for _, item := range v {
			dict, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := dict["ip"].(string)
			portI, _ := dict["port"].(int64)
			id, _ := dict["peer id"].(string)
			out = append(out, PeerAddr{IP: net.ParseIP(ipStr), Port: uint16(portI), PeerID: id})
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers encoding %T", raw)
	}
}

func parseCompactPeers(b []byte) ([]PeerAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(b))
	}
	out := make([]PeerAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, PeerAddr{IP: ip, Port: port})
	}
	return out, nil
}

// dedupePeers removes duplicate (ip,port) entries and excludes our own
// peer id.
func dedupePeers(peers []PeerAddr, ourPeerID string) []PeerAddr {
	seen := make(map[string]struct{}, len(peers))
	out := make([]PeerAddr, 0, len(peers))
	for _, p := range peers {
		if p.PeerID != "" && p.PeerID == ourPeerID {
			continue
		}
		key := p.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
