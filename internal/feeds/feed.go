package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// ErrNotFeed is returned when the response body cannot be parsed as a feed.
var ErrNotFeed = errors.New("not a podcast feed")

// Feed describes a podcast feed and its playable items.
type Feed struct {
	URL         string
	GUID        string
	Link        string
	Title       string
	Description string
	Author      string
	ImageURL    string
	Copyright   string
	Items       []Item
}

// Item captures a parsed feed entry with an enclosure.
type Item struct {
	GUID        string
	Title       string
	Description string
	Link        string
	ImageURL    string
	ContentURL  string
	MimeType    string
	SizeBytes   int64
	Duration    time.Duration
	PublishedAt time.Time
}

// Client fetches feeds over HTTP.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, userAgent: userAgent}
}

// Fetch retrieves and parses an RSS, Atom or JSON feed.
func (c *Client) Fetch(ctx context.Context, url string) (Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Feed{}, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Feed{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Feed{}, fmt.Errorf("fetch feed failed: %s", resp.Status)
	}

	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return Feed{}, fmt.Errorf("%w: %v", ErrNotFeed, err)
	}
	return convert(url, parsed), nil
}

func convert(url string, parsed *gofeed.Feed) Feed {
	feed := Feed{
		URL:         url,
		GUID:        strings.TrimSpace(parsed.FeedLink),
		Link:        strings.TrimSpace(parsed.Link),
		Title:       strings.TrimSpace(parsed.Title),
		Description: strings.TrimSpace(parsed.Description),
		Copyright:   strings.TrimSpace(parsed.Copyright),
	}
	if parsed.Author != nil {
		feed.Author = strings.TrimSpace(parsed.Author.Name)
	}
	if parsed.Image != nil {
		feed.ImageURL = strings.TrimSpace(parsed.Image.URL)
	}
	if parsed.ITunesExt != nil {
		if feed.Author == "" {
			feed.Author = strings.TrimSpace(parsed.ITunesExt.Author)
		}
		if feed.ImageURL == "" {
			feed.ImageURL = strings.TrimSpace(parsed.ITunesExt.Image)
		}
	}

	feed.Items = make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil || len(entry.Enclosures) == 0 || strings.TrimSpace(entry.Enclosures[0].URL) == "" {
			continue
		}
		enclosure := entry.Enclosures[0]
		item := Item{
			Title:       strings.TrimSpace(entry.Title),
			Description: strings.TrimSpace(entry.Description),
			Link:        strings.TrimSpace(entry.Link),
			ContentURL:  strings.TrimSpace(enclosure.URL),
			MimeType:    strings.TrimSpace(enclosure.Type),
		}
		if item.Description == "" {
			item.Description = strings.TrimSpace(entry.Content)
		}
		if size, err := strconv.ParseInt(strings.TrimSpace(enclosure.Length), 10, 64); err == nil && size > 0 {
			item.SizeBytes = size
		}
		if entry.PublishedParsed != nil {
			item.PublishedAt = entry.PublishedParsed.UTC()
		} else if entry.UpdatedParsed != nil {
			item.PublishedAt = entry.UpdatedParsed.UTC()
		}
		if entry.Image != nil {
			item.ImageURL = strings.TrimSpace(entry.Image.URL)
		}
		if entry.ITunesExt != nil {
			item.Duration = ParseDuration(entry.ITunesExt.Duration)
			if item.ImageURL == "" {
				item.ImageURL = strings.TrimSpace(entry.ITunesExt.Image)
			}
		}
		if item.ImageURL == "" {
			item.ImageURL = feed.ImageURL
		}
		item.GUID = itemGUID(entry, item, feed.Title)
		feed.Items = append(feed.Items, item)
	}
	return feed
}

func itemGUID(entry *gofeed.Item, item Item, feedTitle string) string {
	if guid := strings.TrimSpace(entry.GUID); guid != "" {
		return guid
	}
	if item.ContentURL != "" {
		return item.ContentURL
	}
	if item.Link != "" {
		return item.Link
	}
	return fmt.Sprintf("%s:%s", feedTitle, item.Title)
}

// ParseDuration understands the itunes:duration forms HH:MM:SS, MM:SS and
// plain seconds. Unparseable values yield zero.
func ParseDuration(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parts := strings.Split(value, ":")
	if len(parts) > 3 {
		return 0
	}
	var total int64
	for _, part := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + int64(n)
	}
	return time.Duration(total) * time.Second
}
