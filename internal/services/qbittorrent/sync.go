package qbittorrent

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amaumene/episodarr/internal/ports"
)

// mainData is the response of /api/v2/sync/maindata; torrent entries only carry changed fields
type mainData struct {
	RID             int64                   `json:"rid"`
	FullUpdate      bool                    `json:"full_update"`
	Torrents        map[string]torrentDelta `json:"torrents"`
	TorrentsRemoved []string                `json:"torrents_removed"`
}

type torrentDelta struct {
	State     *string  `json:"state"`
	TotalSize *int64   `json:"total_size"`
	Progress  *float64 `json:"progress"`
}

// LongPoll returns the changes since cursor. The WebUI answers immediately, so the call
// polls until something changed or the poll timeout elapses.
func (c *Client) LongPoll(ctx context.Context, cursor int64) (*ports.PollResult, error) {
	deadline := time.Now().Add(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var data mainData
		_, err := c.do(ctx, request{
			method: http.MethodGet,
			path:   "/api/v2/sync/maindata",
			query:  map[string]string{"rid": strconv.FormatInt(cursor, 10)},
			result: &data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to poll main data: %w", err)
		}

		result := &ports.PollResult{
			Cursor:     data.RID,
			FullUpdate: data.FullUpdate,
			Torrents:   make(map[string]ports.TorrentDelta, len(data.Torrents)),
		}
		for hash, d := range data.Torrents {
			result.Torrents[strings.ToLower(hash)] = ports.TorrentDelta{
				State:     d.State,
				TotalSize: d.TotalSize,
				Progress:  d.Progress,
			}
		}
		for _, hash := range data.TorrentsRemoved {
			result.Removed = append(result.Removed, strings.ToLower(hash))
		}
		cursor = data.RID

		if data.FullUpdate || len(result.Torrents) > 0 || len(result.Removed) > 0 || time.Now().After(deadline) {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
