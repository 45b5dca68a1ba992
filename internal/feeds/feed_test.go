package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Sample Show</title>
    <link>https://example.com</link>
    <description>A show about samples</description>
    <copyright>CC-BY</copyright>
    <itunes:author>Jane Host</itunes:author>
    <itunes:image href="https://example.com/cover.jpg"/>
    <item>
      <guid>guid-1</guid>
      <title>First</title>
      <description>The first one</description>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
      <itunes:duration>01:02:03</itunes:duration>
      <enclosure url="https://example.com/1.mp3" length="1234" type="audio/mpeg"/>
    </item>
    <item>
      <title>No Guid</title>
      <pubDate>Tue, 03 Jan 2006 15:04:05 GMT</pubDate>
      <itunes:duration>125</itunes:duration>
      <enclosure url="https://example.com/2.mp3" length="99" type="audio/mpeg"/>
    </item>
    <item>
      <guid>text-only</guid>
      <title>Show notes without audio</title>
    </item>
  </channel>
</rss>`

func TestFetchParsesFeed(t *testing.T) {
	var userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	client := NewClient(server.Client(), "podhub/test")
	feed, err := client.Fetch(context.Background(), server.URL)
	require.NoError(t, err)

	assert.Equal(t, "podhub/test", userAgent)
	assert.Equal(t, "Sample Show", feed.Title)
	assert.Equal(t, "Jane Host", feed.Author)
	assert.Equal(t, "https://example.com/cover.jpg", feed.ImageURL)
	assert.Equal(t, "CC-BY", feed.Copyright)
	require.Len(t, feed.Items, 2)

	first := feed.Items[0]
	assert.Equal(t, "guid-1", first.GUID)
	assert.Equal(t, int64(1234), first.SizeBytes)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second, first.Duration)
	assert.Equal(t, time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC), first.PublishedAt)
	assert.Equal(t, "https://example.com/cover.jpg", first.ImageURL)

	second := feed.Items[1]
	assert.Equal(t, "https://example.com/2.mp3", second.GUID, "falls back to enclosure URL")
	assert.Equal(t, 125*time.Second, second.Duration)
}

func TestFetchRejectsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			_, _ = w.Write([]byte("this is not xml"))
		}
	}))
	defer server.Close()

	client := NewClient(server.Client(), "")
	_, err := client.Fetch(context.Background(), server.URL+"/missing")
	require.Error(t, err)

	_, err = client.Fetch(context.Background(), server.URL+"/garbage")
	assert.ErrorIs(t, err, ErrNotFeed)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"90", 90 * time.Second},
		{"12:34", 12*time.Minute + 34*time.Second},
		{"1:00:00", time.Hour},
		{"abc", 0},
		{"1:2:3:4", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseDuration(tt.in), tt.in)
	}
}
