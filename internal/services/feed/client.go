// Package feed implements ports.Scraper over RSS and Torznab feeds.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/models"
	"github.com/amaumene/episodarr/internal/ports"
)

const userAgent = "episodarr/1.0"

// Item is one <item> of an RSS feed
type Item struct {
	Title      string
	Link       string
	GUID       string
	PubDate    string
	Enclosure  Enclosure
	Attributes map[string]string // torznab/newznab attr name -> value
}

// Enclosure is the <enclosure> element of an item
type Enclosure struct {
	URL    string
	Length int64
	Type   string
}

// Client fetches release feeds
type Client struct {
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient creates a new feed client
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// fetchItems downloads and parses the items of a feed
func (c *Client) fetchItems(ctx context.Context, feedURL string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(c.timeout)

	var items []Item
	var fetchErr error
	collector.OnXML("//item", func(e *colly.XMLElement) {
		item := Item{
			Title:      strings.TrimSpace(e.ChildText("title")),
			Link:       strings.TrimSpace(e.ChildText("link")),
			GUID:       strings.TrimSpace(e.ChildText("guid")),
			PubDate:    strings.TrimSpace(e.ChildText("pubDate")),
			Attributes: map[string]string{},
		}
		item.Enclosure.URL = e.ChildAttr("enclosure", "url")
		item.Enclosure.Type = e.ChildAttr("enclosure", "type")
		item.Enclosure.Length, _ = strconv.ParseInt(e.ChildAttr("enclosure", "length"), 10, 64)

		names := e.ChildAttrs("attr", "name")
		values := e.ChildAttrs("attr", "value")
		for i := range names {
			if i < len(values) {
				item.Attributes[names[i]] = values[i]
			}
		}
		items = append(items, item)
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("feed request failed with status %d: %w", r.StatusCode, err)
	})

	c.logger.WithField("url", feedURL).Debug("Fetching feed")
	if err := collector.Visit(feedURL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("failed to fetch feed: %w", err)
	}
	collector.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}

	c.logger.WithFields(logrus.Fields{
		"url":   feedURL,
		"count": len(items),
	}).Debug("Feed fetched")
	return items, nil
}

// Fetch returns the release candidates of a feed
func (c *Client) Fetch(ctx context.Context, feedURL string) ([]ports.Candidate, error) {
	items, err := c.fetchItems(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	candidates := make([]ports.Candidate, 0, len(items))
	for _, item := range items {
		if item.Title == "" {
			continue
		}
		candidates = append(candidates, convert(item))
	}
	return candidates, nil
}

// convert maps a feed item to a candidate; magnets win over torrent files, anything else is a
// web video page
func convert(item Item) ports.Candidate {
	cand := ports.Candidate{
		Title: item.Title,
		Size:  item.Enclosure.Length,
	}
	if size, err := strconv.ParseInt(item.Attributes["size"], 10, 64); err == nil && size > 0 {
		cand.Size = size
	}
	if t, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
		cand.Published = t
	}

	magnet := item.Attributes["magneturl"]
	if magnet == "" && strings.HasPrefix(item.Link, "magnet:") {
		magnet = item.Link
	}
	if magnet == "" && strings.HasPrefix(item.Enclosure.URL, "magnet:") {
		magnet = item.Enclosure.URL
	}

	switch {
	case magnet != "":
		cand.Link = magnet
		cand.LinkType = models.LinkMagnet
	case item.Enclosure.Type == "application/x-bittorrent" || strings.HasSuffix(item.Enclosure.URL, ".torrent"):
		cand.Link = item.Enclosure.URL
		cand.LinkType = models.LinkFile
	case strings.HasSuffix(item.Link, ".torrent"):
		cand.Link = item.Link
		cand.LinkType = models.LinkFile
	}

	switch {
	case strings.HasPrefix(item.Enclosure.Type, "video/"):
		cand.VideoURL = item.Enclosure.URL
	case cand.Link == "" && item.Link != "":
		cand.VideoURL = item.Link
	}
	return cand
}
