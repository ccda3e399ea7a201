// Package portstest provides in-memory collaborators for tests.
package portstest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amaumene/episodarr/internal/ports"
)

// TorrentClient is an in-memory torrent client. Commands mutate the state of the torrent
// unless its hash is frozen.
type TorrentClient struct {
	mu       sync.Mutex
	torrents map[string]*ports.TorrentInfo
	files    map[string][]ports.TorrentFile
	frozen   map[string]bool
	calls    []string
	added    []ports.AddRequest
	cursor   int64
	changed  chan struct{}

	// AddHash derives the hash of an added torrent; defaults to the link
	AddHash func(req ports.AddRequest) string
	// Fail makes the named operation return an error
	Fail map[string]error
}

// NewTorrentClient creates an empty client
func NewTorrentClient() *TorrentClient {
	return &TorrentClient{
		torrents: make(map[string]*ports.TorrentInfo),
		files:    make(map[string][]ports.TorrentFile),
		frozen:   make(map[string]bool),
		changed:  make(chan struct{}, 1),
		Fail:     make(map[string]error),
	}
}

// Put adds or replaces a torrent
func (c *TorrentClient) Put(info ports.TorrentInfo, files ...ports.TorrentFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := info
	c.torrents[info.Hash] = &cp
	if files != nil {
		c.files[info.Hash] = files
	}
	c.notify()
}

// SetState changes the state of a torrent
func (c *TorrentClient) SetState(hash, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.torrents[hash]; ok {
		t.State = state
	}
	c.notify()
}

// SetSize changes the total size of a torrent
func (c *TorrentClient) SetSize(hash string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.torrents[hash]; ok {
		t.TotalSize = size
	}
	c.notify()
}

// Freeze makes commands leave the state of a torrent untouched
func (c *TorrentClient) Freeze(hash string, frozen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen[hash] = frozen
}

// Remove drops a torrent
func (c *TorrentClient) Remove(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.torrents, hash)
	c.notify()
}

// Calls returns the commands received so far, formatted as "op:hash"
func (c *TorrentClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Count returns how many times op was called for hash
func (c *TorrentClient) Count(op, hash string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == op+":"+hash {
			n++
		}
	}
	return n
}

// Added returns the add requests received so far
func (c *TorrentClient) Added() []ports.AddRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.AddRequest(nil), c.added...)
}

func (c *TorrentClient) notify() {
	c.cursor++
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *TorrentClient) command(op string, hashes []string, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		c.calls = append(c.calls, op+":"+h)
	}
	if err := c.Fail[op]; err != nil {
		return err
	}
	for _, h := range hashes {
		if t, ok := c.torrents[h]; ok && state != "" && !c.frozen[h] {
			t.State = state
		}
	}
	c.notify()
	return nil
}

func (c *TorrentClient) Add(ctx context.Context, req ports.AddRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail["add"]; err != nil {
		return err
	}
	c.added = append(c.added, req)
	hash := req.Link
	if c.AddHash != nil {
		hash = c.AddHash(req)
	}
	state := "metaDL"
	if req.Paused {
		state = "pausedDL"
	}
	if _, ok := c.torrents[hash]; !ok {
		c.torrents[hash] = &ports.TorrentInfo{Hash: hash, Name: hash, State: state, SavePath: req.SavePath}
	}
	c.calls = append(c.calls, "add:"+hash)
	c.notify()
	return nil
}

func (c *TorrentClient) Pause(ctx context.Context, hashes ...string) error {
	return c.command("pause", hashes, "pausedDL")
}

func (c *TorrentClient) Resume(ctx context.Context, hashes ...string) error {
	return c.command("resume", hashes, "downloading")
}

func (c *TorrentClient) Recheck(ctx context.Context, hashes ...string) error {
	return c.command("recheck", hashes, "checkingDL")
}

func (c *TorrentClient) Delete(ctx context.Context, deleteFiles bool, hashes ...string) error {
	if err := c.command("delete", hashes, ""); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		delete(c.torrents, h)
	}
	return nil
}

func (c *TorrentClient) RenameFile(ctx context.Context, hash, oldPath, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "rename:"+hash)
	if err := c.Fail["rename"]; err != nil {
		return err
	}
	for i, f := range c.files[hash] {
		if f.Name == oldPath {
			c.files[hash][i].Name = newPath
			return nil
		}
	}
	return fmt.Errorf("file %q not found in %s", oldPath, hash)
}

func (c *TorrentClient) SetLocation(ctx context.Context, location string, hashes ...string) error {
	if err := c.command("setlocation", hashes, ""); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		if t, ok := c.torrents[h]; ok {
			t.SavePath = location
		}
	}
	return nil
}

func (c *TorrentClient) InfoByHashes(ctx context.Context, hashes ...string) (map[string]ports.TorrentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail["info"]; err != nil {
		return nil, err
	}
	out := make(map[string]ports.TorrentInfo)
	if len(hashes) == 0 {
		for h, t := range c.torrents {
			out[h] = *t
		}
		return out, nil
	}
	for _, h := range hashes {
		if t, ok := c.torrents[h]; ok {
			out[h] = *t
		}
	}
	return out, nil
}

func (c *TorrentClient) Files(ctx context.Context, hash string) ([]ports.TorrentFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.torrents[hash]; !ok {
		return nil, fmt.Errorf("torrent %s not found", hash)
	}
	return append([]ports.TorrentFile(nil), c.files[hash]...), nil
}

// LongPoll returns a full snapshot once the state changed since cursor, or after a short
// timeout
func (c *TorrentClient) LongPoll(ctx context.Context, cursor int64) (*ports.PollResult, error) {
	c.mu.Lock()
	current := c.cursor
	c.mu.Unlock()
	if current == cursor {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.changed:
		case <-time.After(20 * time.Millisecond):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	result := &ports.PollResult{Cursor: c.cursor, FullUpdate: true, Torrents: make(map[string]ports.TorrentDelta)}
	for h, t := range c.torrents {
		state, size, progress := t.State, t.TotalSize, t.Progress
		result.Torrents[h] = ports.TorrentDelta{State: &state, TotalSize: &size, Progress: &progress}
	}
	return result, nil
}

// Transcoder writes a small marker file per extraction
type Transcoder struct {
	mu       sync.Mutex
	chapters map[string][]ports.Chapter
	extracts []string

	// OnExtract runs before each extraction with its 1-based sequence number; a non-nil
	// error fails the extraction
	OnExtract func(n int, destination string) error
}

// NewTranscoder creates a transcoder without chapters
func NewTranscoder() *Transcoder {
	return &Transcoder{chapters: make(map[string][]ports.Chapter)}
}

// SetChapters registers the chapters of a source
func (t *Transcoder) SetChapters(source string, chapters []ports.Chapter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chapters[source] = chapters
}

// EvenChapters builds n chapters of the given length
func EvenChapters(n int, length time.Duration) []ports.Chapter {
	chapters := make([]ports.Chapter, n)
	for i := range chapters {
		chapters[i] = ports.Chapter{Index: i, Start: time.Duration(i) * length, End: time.Duration(i+1) * length}
	}
	return chapters
}

// Extractions returns the destinations written so far
func (t *Transcoder) Extractions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.extracts...)
}

func (t *Transcoder) Chapters(ctx context.Context, source string) ([]ports.Chapter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	chapters, ok := t.chapters[source]
	if !ok {
		return nil, fmt.Errorf("no chapters for %s", source)
	}
	return chapters, nil
}

func (t *Transcoder) Extract(ctx context.Context, source string, start, duration time.Duration, destination string) error {
	t.mu.Lock()
	t.extracts = append(t.extracts, destination)
	n := len(t.extracts)
	hook := t.OnExtract
	t.mu.Unlock()

	if hook != nil {
		if err := hook(n, destination); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	content := fmt.Sprintf("%s@%s+%s", filepath.Base(source), start, duration)
	return os.WriteFile(destination, []byte(content), 0644)
}

// Downloader writes the url into the destination file
type Downloader struct {
	// Fn replaces the default behaviour when set
	Fn func(ctx context.Context, url, destination string, progress ports.ProgressFunc) error
}

func (d *Downloader) Download(ctx context.Context, url, destination string, progress ports.ProgressFunc) error {
	if d.Fn != nil {
		return d.Fn(ctx, url, destination, progress)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return err
	}
	if progress != nil {
		progress(ports.Progress{Downloaded: int64(len(url)), Total: int64(len(url))})
	}
	return os.WriteFile(destination, []byte(url), 0644)
}

// Scraper serves fixed candidates per feed
type Scraper struct {
	Feeds map[string][]ports.Candidate
	Err   map[string]error
}

func (s *Scraper) Fetch(ctx context.Context, feedURL string) ([]ports.Candidate, error) {
	if err := s.Err[feedURL]; err != nil {
		return nil, err
	}
	return s.Feeds[feedURL], nil
}

// Broadcaster records published events
type Broadcaster struct {
	mu     sync.Mutex
	events []ports.Event
}

func (b *Broadcaster) Publish(name string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ports.Event{Name: name, Payload: payload, Time: time.Now()})
}

func (b *Broadcaster) Subscribe(buffer int) (string, <-chan ports.Event, func()) {
	ch := make(chan ports.Event)
	close(ch)
	return "test", ch, func() {}
}

// Events returns the recorded events with the given name, or all of them when name is empty
func (b *Broadcaster) Events(name string) []ports.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ports.Event
	for _, e := range b.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Files lists the regular files under dir, relative and sorted
func Files(dir string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	sort.Strings(out)
	return out, err
}
