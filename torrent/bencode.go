package torrent

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// decodeBencode unmarshals a bencoded stream into v. All bencode parsing
// goes through this adapter so the rest of the package never touches the
// wire format directly.
func decodeBencode(r io.Reader, v interface{}) error {
	return bencode.Unmarshal(r, v)
}

func encodeBencode(w io.Writer, v interface{}) error {
	return bencode.Marshal(w, v)
}

// extractInfoBytes locates the raw bytes of the top-level "info" value
// inside a bencoded .torrent file without fully decoding it, so the info
// hash can be computed over the exact bytes as they appeared in the
// source. Scans for the "info" key preceded by any string-length prefix
// rather than assuming a fixed-width dictionary.
func extractInfoBytes(data []byte) ([]byte, error) {
	key := []byte("4:info")
	idx := -1
	for i := 0; i+len(key) <= len(data); i++ {
		if bytes.Equal(data[i:i+len(key)], key) && (i == 0 || !isDigit(data[i-1])) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("torrent: no %q key found", "info")
	}
	start := idx + len(key)
	end, err := bencodeValueEnd(data, start)
	if err != nil {
		return nil, err
	}
	return data[start:end], nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// bencodeValueEnd returns the index one past the end of the bencoded
// value beginning at start.
func bencodeValueEnd(data []byte, start int) (int, error) {
	if start >= len(data) {
		return 0, fmt.Errorf("torrent: unexpected end of data")
	}
	switch b := data[start]; {
	case b == 'd' || b == 'l':
		depth := 0
		i := start
		for ; i < len(data); i++ {
			switch data[i] {
			case 'd', 'l':
				depth++
			case 'e':
				depth--
				if depth == 0 {
					return i + 1, nil
				}
			case 'i':
				j := i + 1
				for ; j < len(data) && data[j] != 'e'; j++ {
				}
				if j >= len(data) {
					return 0, fmt.Errorf("torrent: unterminated integer at %d", i)
				}
				i = j
			default:
				if isDigit(data[i]) {
					j := i
					for ; j < len(data) && isDigit(data[j]); j++ {
					}
					if j < len(data) && data[j] == ':' {
						length, err := strconv.Atoi(string(data[i:j]))
						if err != nil {
							return 0, fmt.Errorf("torrent: invalid string length at %d", i)
						}
						i = j + length
					}
				}
			}
		}
		return 0, fmt.Errorf("torrent: unterminated dict/list")
	case b == 'i':
		j := start + 1
		for ; j < len(data) && data[j] != 'e'; j++ {
		}
		if j >= len(data) {
			return 0, fmt.Errorf("torrent: unterminated integer")
		}
		return j + 1, nil
	case isDigit(b):
		j := start
		for ; j < len(data) && isDigit(data[j]); j++ {
		}
		if j >= len(data) || data[j] != ':' {
			return 0, fmt.Errorf("torrent: malformed string length")
		}
		length, err := strconv.Atoi(string(data[start:j]))
		if err != nil {
			return 0, err
		}
		end := j + 1 + length
		if end > len(data) {
			return 0, fmt.Errorf("torrent: string runs past end of data")
		}
		return end, nil
	default:
		return 0, fmt.Errorf("torrent: unrecognized bencode tag %q", b)
	}
}
