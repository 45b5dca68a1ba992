package itunes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"podhub/internal/domain"
)

const defaultBaseURL = "https://itunes.apple.com"

// ErrNotFound is returned when a lookup yields no podcast.
var ErrNotFound = errors.New("podcast not found")

// Client interacts with the iTunes Search API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
}

// NewClient creates a client using the provided HTTP client. The baseURL can be
// overridden for testing; if empty the public API endpoint is used.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{httpClient: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// WithUserAgent sets the User-Agent sent with every request.
func (c *Client) WithUserAgent(userAgent string) *Client {
	c.userAgent = userAgent
	return c
}

// Podcast represents a podcast returned by the iTunes API.
type Podcast struct {
	ID          string
	Title       string
	Author      string
	FeedURL     string
	Artwork     string
	Genre       string
	Description string
}

// Domain converts a directory entry into an unsubscribed podcast ready to load.
func (p Podcast) Domain() *domain.Podcast {
	return &domain.Podcast{
		GUID:        p.ID,
		URL:         p.FeedURL,
		Title:       p.Title,
		Author:      p.Author,
		ImageURL:    p.Artwork,
		Description: p.Description,
	}
}

// Search queries the API for podcasts matching the supplied term.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]Podcast, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("search term cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	q := url.Values{}
	q.Set("media", "podcast")
	q.Set("term", term)
	q.Set("limit", strconv.Itoa(limit))

	results, err := c.get(ctx, "/search", q)
	if err != nil {
		return nil, fmt.Errorf("itunes search: %w", err)
	}
	podcasts := make([]Podcast, 0, len(results))
	for _, item := range results {
		if item.FeedURL == "" {
			continue
		}
		podcasts = append(podcasts, item.podcast())
	}
	return podcasts, nil
}

// LookupPodcast retrieves metadata for a single podcast by its collection ID.
func (c *Client) LookupPodcast(ctx context.Context, id string) (Podcast, error) {
	q := url.Values{}
	q.Set("id", strings.TrimSpace(id))

	results, err := c.get(ctx, "/lookup", q)
	if err != nil {
		return Podcast{}, fmt.Errorf("itunes lookup: %w", err)
	}
	if len(results) == 0 || results[0].FeedURL == "" {
		return Podcast{}, ErrNotFound
	}
	return results[0].podcast(), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]podcastResult, error) {
	endpoint, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload.Results, nil
}

type response struct {
	Results []podcastResult `json:"results"`
}

type podcastResult struct {
	CollectionID     int64  `json:"collectionId"`
	CollectionName   string `json:"collectionName"`
	ArtistName       string `json:"artistName"`
	FeedURL          string `json:"feedUrl"`
	ArtworkURL100    string `json:"artworkUrl100"`
	ArtworkURL600    string `json:"artworkUrl600"`
	PrimaryGenreName string `json:"primaryGenreName"`
	Description      string `json:"description"`
	LongDescription  string `json:"longDescription"`
}

func (r podcastResult) podcast() Podcast {
	artwork := r.ArtworkURL600
	if artwork == "" {
		artwork = r.ArtworkURL100
	}
	description := r.Description
	if description == "" {
		description = r.LongDescription
	}
	return Podcast{
		ID:          strconv.FormatInt(r.CollectionID, 10),
		Title:       r.CollectionName,
		Author:      r.ArtistName,
		FeedURL:     r.FeedURL,
		Artwork:     artwork,
		Genre:       r.PrimaryGenreName,
		Description: description,
	}
}
