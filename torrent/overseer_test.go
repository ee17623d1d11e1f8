package torrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortOfReturnsTCPPort(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 6881}
	assert.Equal(t, uint16(6881), portOf(addr))
}

func TestPortOfNonTCPAddrReturnsZero(t *testing.T) {
	addr := &net.UnixAddr{Name: "/tmp/x", Net: "unix"}
	assert.Equal(t, uint16(0), portOf(addr))
}

func TestDuplicateTorrentErrorMessage(t *testing.T) {
	assert.Equal(t, "torrent already registered", errDuplicateTorrent.Error())
}
