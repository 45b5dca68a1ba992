package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"podhub/internal/domain"
)

// OPML represents the root OPML document structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the list of outlines (subscriptions).
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a subscription, or a folder of nested outlines.
type Outline struct {
	Type     string    `xml:"type,attr,omitempty"`
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Export writes subscriptions as an OPML 2.0 document.
func Export(w io.Writer, subscriptions []domain.PodcastExport, now time.Time) error {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "podhub subscriptions",
			DateCreated: now.UTC().Format(time.RFC1123Z),
		},
		Body: Body{
			Outlines: make([]Outline, 0, len(subscriptions)),
		},
	}

	for _, sub := range subscriptions {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Type:   "rss",
			Text:   sub.Title,
			Title:  sub.Title,
			XMLURL: sub.FeedURL,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode OPML: %w", err)
	}
	return nil
}

// Import parses OPML data and returns every feed it lists, flattening folders
// and dropping duplicate feed URLs.
func Import(r io.Reader) ([]domain.PodcastExport, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode OPML: %w", err)
	}

	seen := make(map[string]struct{})
	subscriptions := make([]domain.PodcastExport, 0, len(doc.Body.Outlines))
	var walk func([]Outline)
	walk = func(outlines []Outline) {
		for _, outline := range outlines {
			if len(outline.Outlines) > 0 {
				walk(outline.Outlines)
			}
			feedURL := strings.TrimSpace(outline.XMLURL)
			if feedURL == "" {
				continue
			}
			if _, dup := seen[feedURL]; dup {
				continue
			}
			seen[feedURL] = struct{}{}
			title := strings.TrimSpace(outline.Title)
			if title == "" {
				title = strings.TrimSpace(outline.Text)
			}
			subscriptions = append(subscriptions, domain.PodcastExport{Title: title, FeedURL: feedURL})
		}
	}
	walk(doc.Body.Outlines)

	return subscriptions, nil
}
