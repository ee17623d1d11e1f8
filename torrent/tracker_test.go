package torrent

import (
	"context"
	"io"
	"log"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnnouncer struct {
	responses map[string][]byte
	errs      map[string]error
	calls     []string
}

func (f *fakeAnnouncer) Announce(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	f.calls = append(f.calls, rawURL)
	if err, ok := f.errs[rawURL]; ok {
		return nil, err
	}
	return f.responses[rawURL], nil
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestTrackerClientAnnounceCompactPeers(t *testing.T) {
	compact := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	body := "d8:intervali1800e5:peers" + bencodeString(string(compact)) + "e"
	fa := &fakeAnnouncer{responses: map[string][]byte{"http://tr/announce": []byte(body)}}

	tc := NewTrackerClient(fa, [][]string{{"http://tr/announce"}}, [20]byte{1}, PeerID{2}, 6881, discardLogger())
	res, err := tc.Announce(context.Background(), "started", 0, 0, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 1800, res.Interval)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "127.0.0.1", res.Peers[0].IP.String())
	assert.Equal(t, uint16(6881), res.Peers[0].Port)
}

func TestTrackerClientFallsThroughOnError(t *testing.T) {
	body := "d8:intervali900e5:peers0:e"
	fa := &fakeAnnouncer{
		responses: map[string][]byte{"http://b/": []byte(body)},
		errs:      map[string]error{"http://a/": assertErr{}},
	}
	tc := NewTrackerClient(fa, [][]string{{"http://a/", "http://b/"}}, [20]byte{1}, PeerID{2}, 6881, discardLogger())
	// the constructor shuffles each tier; pin the order so "a" is tried first.
	tc.tiers[0].urls = []string{"http://a/", "http://b/"}
	res, err := tc.Announce(context.Background(), "", 0, 0, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 900, res.Interval)
	assert.Equal(t, []string{"http://a/", "http://b/"}, fa.calls)
}

func TestTrackerClientNoTrackersConfigured(t *testing.T) {
	tc := NewTrackerClient(&fakeAnnouncer{}, nil, [20]byte{1}, PeerID{2}, 6881, discardLogger())
	_, err := tc.Announce(context.Background(), "", 0, 0, 0, -1)
	require.Error(t, err)
}

func TestTierPromoteMovesURLToHead(t *testing.T) {
	ti := &tier{urls: []string{"a", "b", "c"}}
	ti.promote("c")
	assert.Equal(t, []string{"c", "a", "b"}, ti.urls)
}

func TestDedupePeersExcludesSelfAndDuplicates(t *testing.T) {
	peers := []PeerAddr{
		{IP: net.ParseIP("1.2.3.4"), Port: 1, PeerID: "me"},
		{IP: net.ParseIP("1.2.3.4"), Port: 1, PeerID: "me"},
		{IP: net.ParseIP("5.6.7.8"), Port: 2, PeerID: "other"},
	}
	out := dedupePeers(peers, "me")
	require.Len(t, out, 1)
	assert.Equal(t, "other", out[0].PeerID)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func bencodeString(s string) string {
	return itoaTest(len(s)) + ":" + s
}
