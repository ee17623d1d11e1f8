package torrent

import (
	"crypto/sha1"
	"fmt"
	"os"
)

// ChunkSize is the fixed unit of over-the-wire transfer.
const ChunkSize = 16384

// rawMetainfo mirrors the bencoded root dictionary of a .torrent file,
// trimmed to the fields the engine actually consumes. Cosmetic fields
// (comment, creation date, publisher...) are dropped since nothing reads
// them.
type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Name        string        `bencode:"name"`
	Length      int64         `bencode:"length"`
	Files       []rawFileInfo `bencode:"files"`
}

type rawFileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// FileEntry is one element of the torrent's ordered payload file list.
type FileEntry struct {
	Path   string // relative path, components joined with "/"
	Length int64
}

// Metainfo holds the torrent-invariant fields set at construction and
// never mutated afterward.
type Metainfo struct {
	InfoHash     [20]byte
	Name         string
	PieceLen     int64
	TotalSize    int64
	NumPieces    int
	PieceHash    [][20]byte
	Files        []FileEntry
	AnnounceList [][]string
}

// ParseMetainfoFile loads and validates a .torrent file from disk.
func ParseMetainfoFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &MetadataError{Field: "file", Cause: err}
	}
	return ParseMetainfoBytes(data)
}

// ParseMetainfoBytes decodes a bencoded .torrent payload: decode the
// bencode dictionary, then separately compute info_hash over the raw
// "info" bytes so hashing is unaffected by how the decoder re-orders
// fields.
func ParseMetainfoBytes(data []byte) (*Metainfo, error) {
	var raw rawMetainfo
	if err := decodeBencode(bytesReader(data), &raw); err != nil {
		return nil, &MetadataError{Field: "bencode", Cause: err}
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, &MetadataError{Field: "info", Cause: err}
	}
	hash := sha1.Sum(infoBytes)

	if raw.Info.PieceLength <= 0 {
		return nil, &MetadataError{Field: "piece length", Cause: fmt.Errorf("must be positive")}
	}
	if raw.Info.PieceLength%ChunkSize != 0 {
		return nil, &MetadataError{Field: "piece length", Cause: fmt.Errorf("%d is not a multiple of chunk size %d", raw.Info.PieceLength, ChunkSize)}
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, &MetadataError{Field: "pieces", Cause: fmt.Errorf("length %d is not a multiple of 20", len(raw.Info.Pieces))}
	}
	if raw.Info.Name == "" {
		return nil, &MetadataError{Field: "name", Cause: fmt.Errorf("empty")}
	}

	numPieces := len(raw.Info.Pieces) / 20
	if numPieces == 0 {
		return nil, &MetadataError{Field: "pieces", Cause: fmt.Errorf("torrent has no pieces")}
	}
	pieceHash := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieceHash[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	var files []FileEntry
	var total int64
	if len(raw.Info.Files) == 0 {
		if raw.Info.Length <= 0 {
			return nil, &MetadataError{Field: "length", Cause: fmt.Errorf("single-file torrent must declare a positive length")}
		}
		files = []FileEntry{{Path: raw.Info.Name, Length: raw.Info.Length}}
		total = raw.Info.Length
	} else {
		for _, f := range raw.Info.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return nil, &MetadataError{Field: "files", Cause: fmt.Errorf("malformed file entry")}
			}
			files = append(files, FileEntry{Path: joinPath(f.Path), Length: f.Length})
			total += f.Length
		}
	}

	expectedLast := total - int64(numPieces-1)*raw.Info.PieceLength
	if expectedLast <= 0 || expectedLast > raw.Info.PieceLength {
		return nil, &MetadataError{Field: "pieces", Cause: fmt.Errorf("piece count %d inconsistent with total size %d and piece length %d", numPieces, total, raw.Info.PieceLength)}
	}

	return &Metainfo{
		InfoHash:     hash,
		Name:         raw.Info.Name,
		PieceLen:     raw.Info.PieceLength,
		TotalSize:    total,
		NumPieces:    numPieces,
		PieceHash:    pieceHash,
		Files:        files,
		AnnounceList: buildAnnounceList(raw.Announce, raw.AnnounceList),
	}, nil
}

func buildAnnounceList(announce string, tiers [][]string) [][]string {
	if len(tiers) > 0 {
		return tiers
	}
	if announce != "" {
		return [][]string{{announce}}
	}
	return nil
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out = out + "/" + p
	}
	return out
}

// PieceLength returns the length in bytes of piece i, accounting for a
// possibly-shorter final piece.
func (m *Metainfo) PieceLength(i int) int64 {
	if i == m.NumPieces-1 {
		return m.TotalSize - int64(m.NumPieces-1)*m.PieceLen
	}
	return m.PieceLen
}

// ChunksInPiece returns ceil(piece_length(i) / chunk_size).
func (m *Metainfo) ChunksInPiece(i int) int {
	return int((m.PieceLength(i) + ChunkSize - 1) / ChunkSize)
}

// PieceOffset returns the absolute byte offset of piece i within the
// concatenated payload byte-space.
func (m *Metainfo) PieceOffset(i int) int64 {
	return int64(i) * m.PieceLen
}
