package utils

import "testing"

func TestMagnetInfoHash(t *testing.T) {
	uri := "magnet:?xt=urn:btih:C12FE1C06BBA254A9DC9F519B335AA7C1367A88A&dn=example"
	got, err := MagnetInfoHash(uri)
	if err != nil {
		t.Fatalf("MagnetInfoHash() error = %v", err)
	}
	if got != "c12fe1c06bba254a9dc9f519b335aa7c1367a88a" {
		t.Errorf("MagnetInfoHash() = %s", got)
	}

	if _, err := MagnetInfoHash("http://example.com/file.torrent"); err == nil {
		t.Error("non-magnet uri should fail")
	}
}
