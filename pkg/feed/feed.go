package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
)

// ErrMalformed is returned when the delivered document is not parseable
// as a feed.
var ErrMalformed = errors.New("malformed feed document")

// Author of an entry. URI and Email are optional in Atom and empty when
// the feed omits them.
type Author struct {
	Name  string
	URI   string
	Email string
}

// Entry is a single feed entry, reduced to the fields this system cares
// about. Published/Updated are nil when absent or unparseable.
type Entry struct {
	ID         string
	Title      string
	Published  *time.Time
	Updated    *time.Time
	Author     *Author
	Categories []string
	Link       string
	LinkType   string
}

// IsStatusPing reports whether the document is a hub status heartbeat:
// a feed whose root-level <id> element is present but empty. Superfeedr
// sends these to signal liveness when a fetch produced no new entries.
// Only the root element's direct children are inspected; the document is
// never fully parsed here.
func IsStatusPing(body []byte) bool {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	for {
		tok, err := decoder.Token()
		if err != nil {
			// Malformed documents are not pings; the full parse
			// reports them.
			return false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == "id" {
				var text string
				err = decoder.DecodeElement(&text, &t)
				if err != nil {
					return false
				}
				return strings.TrimSpace(text) == ""
			}
		case xml.EndElement:
			depth--
			if depth == 0 {
				return false
			}
		}
	}
}

// Parse parses an Atom document into entries. Feed-level metadata is
// discarded; the raw payload travels downstream unchanged.
func Parse(body []byte) ([]Entry, error) {
	parser := &atom.Parser{}
	f, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		if err == io.EOF {
			return nil, ErrMalformed
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	entries := make([]Entry, 0, len(f.Entries))
	for _, e := range f.Entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		entry := Entry{
			ID:        id,
			Title:     strings.TrimSpace(e.Title),
			Published: e.PublishedParsed,
			Updated:   e.UpdatedParsed,
		}
		if len(e.Authors) > 0 {
			entry.Author = &Author{
				Name:  e.Authors[0].Name,
				URI:   e.Authors[0].URI,
				Email: e.Authors[0].Email,
			}
		}
		for _, c := range e.Categories {
			if c.Term != "" {
				entry.Categories = append(entry.Categories, c.Term)
			}
		}
		for _, l := range e.Links {
			if l.Rel == "alternate" {
				entry.Link = l.Href
				entry.LinkType = l.Type
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
