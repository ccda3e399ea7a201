package utils

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// MagnetInfoHash returns the lowercase hex infohash of a magnet URI
func MagnetInfoHash(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse magnet uri: %w", err)
	}
	return strings.ToLower(m.InfoHash.HexString()), nil
}

// TorrentInfoHash returns the lowercase hex infohash and file list of a .torrent payload
func TorrentInfoHash(data []byte) (string, []string, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse torrent file: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse torrent info: %w", err)
	}

	var files []string
	for _, f := range info.UpvertedFiles() {
		files = append(files, strings.Join(append([]string{info.Name}, f.Path...), "/"))
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), files, nil
}
