package qbittorrent

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"resty.dev/v3"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

// torrentInfo is one entry of /api/v2/torrents/info
type torrentInfo struct {
	Hash      string  `json:"hash"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	TotalSize int64   `json:"total_size"`
	Progress  float64 `json:"progress"`
	SavePath  string  `json:"save_path"`
}

// torrentFile is one entry of /api/v2/torrents/files
type torrentFile struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
}

func joinHashes(hashes []string) string {
	return strings.Join(hashes, "|")
}

// Add hands a magnet link, torrent URL or torrent payload to the client
func (c *Client) Add(ctx context.Context, req ports.AddRequest) error {
	paused := strconv.FormatBool(req.Paused)
	fields := map[string]string{
		"paused":  paused, // qBittorrent 4.x
		"stopped": paused, // qBittorrent 5.x
	}
	if req.SavePath != "" {
		fields["savepath"] = req.SavePath
	}

	build := func(r *resty.Request) {
		if len(req.Data) > 0 {
			r.SetFileReader("torrents", "upload.torrent", bytes.NewReader(req.Data))
		} else {
			fields["urls"] = req.Link
		}
		r.SetMultipartFormData(fields)
	}

	resp, err := c.do(ctx, request{method: http.MethodPost, path: "/api/v2/torrents/add", build: build})
	if err != nil {
		return fmt.Errorf("failed to add torrent: %w", err)
	}
	if strings.TrimSpace(resp.String()) == "Fails." {
		return models.NewBusinessError("add torrent", "client rejected %s link", req.LinkType)
	}

	c.logger.WithFields(logrus.Fields{
		"link_type": req.LinkType,
		"save_path": req.SavePath,
		"paused":    req.Paused,
	}).Info("Torrent added")
	return nil
}

// versioned posts to the 4.x endpoint and falls back to its 5.x name on 404
func (c *Client) versioned(ctx context.Context, legacy, current string, hashes []string) error {
	form := map[string]string{"hashes": joinHashes(hashes)}
	err := c.post(ctx, legacy, form)
	if isNotFound(err) {
		err = c.post(ctx, current, form)
	}
	c.forget(hashes)
	return err
}

// forget drops cached info after a command changes torrent state
func (c *Client) forget(hashes []string) {
	for _, h := range hashes {
		c.info.Delete(h)
	}
}

// Pause pauses torrents
func (c *Client) Pause(ctx context.Context, hashes ...string) error {
	if err := c.versioned(ctx, "/api/v2/torrents/pause", "/api/v2/torrents/stop", hashes); err != nil {
		return fmt.Errorf("failed to pause torrents: %w", err)
	}
	return nil
}

// Resume resumes torrents
func (c *Client) Resume(ctx context.Context, hashes ...string) error {
	if err := c.versioned(ctx, "/api/v2/torrents/resume", "/api/v2/torrents/start", hashes); err != nil {
		return fmt.Errorf("failed to resume torrents: %w", err)
	}
	return nil
}

// Recheck forces a data recheck
func (c *Client) Recheck(ctx context.Context, hashes ...string) error {
	if err := c.post(ctx, "/api/v2/torrents/recheck", map[string]string{"hashes": joinHashes(hashes)}); err != nil {
		return fmt.Errorf("failed to recheck torrents: %w", err)
	}
	c.forget(hashes)
	return nil
}

// Delete removes torrents, optionally with their data
func (c *Client) Delete(ctx context.Context, deleteFiles bool, hashes ...string) error {
	form := map[string]string{
		"hashes":      joinHashes(hashes),
		"deleteFiles": strconv.FormatBool(deleteFiles),
	}
	if err := c.post(ctx, "/api/v2/torrents/delete", form); err != nil {
		return fmt.Errorf("failed to delete torrents: %w", err)
	}
	c.forget(hashes)
	return nil
}

// RenameFile renames one file inside a torrent
func (c *Client) RenameFile(ctx context.Context, hash, oldPath, newPath string) error {
	form := map[string]string{
		"hash":    hash,
		"oldPath": oldPath,
		"newPath": newPath,
	}
	if err := c.post(ctx, "/api/v2/torrents/renameFile", form); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// SetLocation moves torrents to another save path
func (c *Client) SetLocation(ctx context.Context, location string, hashes ...string) error {
	form := map[string]string{
		"hashes":   joinHashes(hashes),
		"location": location,
	}
	if err := c.post(ctx, "/api/v2/torrents/setLocation", form); err != nil {
		return fmt.Errorf("failed to set location: %w", err)
	}
	return nil
}

// InfoByHashes returns the info of the given torrents, or of every torrent when no hash is given
func (c *Client) InfoByHashes(ctx context.Context, hashes ...string) (map[string]ports.TorrentInfo, error) {
	out := make(map[string]ports.TorrentInfo, len(hashes))

	var missing []string
	for _, h := range hashes {
		if v, ok := c.info.Get(h); ok {
			out[h] = v.(ports.TorrentInfo)
			continue
		}
		missing = append(missing, h)
	}
	if len(hashes) > 0 && len(missing) == 0 {
		return out, nil
	}

	var list []torrentInfo
	query := map[string]string{}
	if len(missing) > 0 {
		query["hashes"] = joinHashes(missing)
	}
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/api/v2/torrents/info", query: query, result: &list}); err != nil {
		return nil, fmt.Errorf("failed to get torrent info: %w", err)
	}

	for _, t := range list {
		info := ports.TorrentInfo{
			Hash:      strings.ToLower(t.Hash),
			Name:      t.Name,
			State:     t.State,
			TotalSize: t.TotalSize,
			Progress:  t.Progress,
			SavePath:  t.SavePath,
		}
		out[info.Hash] = info
		c.info.Set(info.Hash, info, cache.DefaultExpiration)
	}
	return out, nil
}

// Files lists the files of a torrent
func (c *Client) Files(ctx context.Context, hash string) ([]ports.TorrentFile, error) {
	var list []torrentFile
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/v2/torrents/files",
		query:  map[string]string{"hash": hash},
		result: &list,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent files: %w", err)
	}

	files := make([]ports.TorrentFile, 0, len(list))
	for _, f := range list {
		files = append(files, ports.TorrentFile{
			Index:    f.Index,
			Name:     f.Name,
			Size:     f.Size,
			Progress: f.Progress,
		})
	}
	return files, nil
}
