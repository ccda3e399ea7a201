package feed

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:torznab="http://torznab.com/schemas/2015/feed">
  <channel>
    <title>Test Indexer</title>
    <item>
      <title>Show Name S01E01 1080p</title>
      <link>https://example.com/details/1</link>
      <pubDate>Mon, 01 Jan 2024 12:00:00 +0000</pubDate>
      <enclosure url="https://example.com/1.torrent" length="1024" type="application/x-bittorrent"/>
      <torznab:attr name="size" value="2147483648"/>
      <torznab:attr name="magneturl" value="magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"/>
    </item>
    <item>
      <title>Show Name S01E02 720p</title>
      <link>https://example.com/details/2</link>
      <enclosure url="https://example.com/2.torrent" length="2048" type="application/x-bittorrent"/>
    </item>
    <item>
      <title>Show Name Episode 3</title>
      <link>https://video.example.com/watch/3</link>
    </item>
  </channel>
</rss>`

func newTestClient() *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(logger)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
		io.WriteString(w, sampleFeed)
	}))
	defer srv.Close()

	candidates, err := newTestClient().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("Expected 3 candidates, got %d", len(candidates))
	}

	first := candidates[0]
	if first.LinkType != models.LinkMagnet || first.Size != 2147483648 {
		t.Errorf("first candidate = %+v, want magnet with torznab size", first)
	}
	if first.Published.IsZero() {
		t.Error("pubDate should be parsed")
	}

	second := candidates[1]
	if second.LinkType != models.LinkFile || second.Link != "https://example.com/2.torrent" || second.Size != 2048 {
		t.Errorf("second candidate = %+v, want torrent file", second)
	}

	third := candidates[2]
	if third.Link != "" || third.VideoURL != "https://video.example.com/watch/3" {
		t.Errorf("third candidate = %+v, want web video", third)
	}
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestClient().Fetch(context.Background(), srv.URL); err == nil {
		t.Error("Fetch() should fail on a 502")
	}
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestClient().Fetch(ctx, "http://127.0.0.1:1/feed"); err == nil {
		t.Error("Fetch() should fail on a cancelled context")
	}
}
