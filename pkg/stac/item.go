// Package stac defines the subset of the STAC item-search wire format the
// client consumes: items, item collections (pages), links and the search
// request body.
package stac

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// UnknownCount marks a page whose server did not report a match count.
const UnknownCount = -1

// Item is a single STAC feature returned by a search.
type Item struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection,omitempty"`
	Properties map[string]any   `json:"properties"`
	Assets     map[string]Asset `json:"assets,omitempty"`
	Links      []Link           `json:"links,omitempty"`
}

// Property returns the named property and whether the item carries it.
// A property present with a JSON null value reports (nil, true).
func (i *Item) Property(name string) (any, bool) {
	v, ok := i.Properties[name]
	return v, ok
}

// Asset is a downloadable file referenced by an item.
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Link is a STAC link object. Next-page links may carry a POST body.
type Link struct {
	Rel    string         `json:"rel"`
	Href   string         `json:"href"`
	Type   string         `json:"type,omitempty"`
	Method string         `json:"method,omitempty"`
	Body   map[string]any `json:"body,omitempty"`
	Merge  bool           `json:"merge,omitempty"`
}

// HTTPMethod returns the link method, defaulting to GET.
func (l Link) HTTPMethod() string {
	if l.Method == "" {
		return http.MethodGet
	}
	return l.Method
}

// Page is one ItemCollection response of an item search.
type Page struct {
	Items       []Item
	NumMatched  int
	NumReturned int
	Links       []Link
}

// Next returns the rel=next link of the page, if any.
func (p *Page) Next() (Link, bool) {
	for _, l := range p.Links {
		if l.Rel == "next" {
			return l, true
		}
	}
	return Link{}, false
}

// HasMatchCount reports whether the server sent numMatched for this page.
func (p *Page) HasMatchCount() bool {
	return p.NumMatched != UnknownCount
}

// itemCollection is the wire shape of a search response. Older servers
// report counts in the context extension instead of top-level fields.
type itemCollection struct {
	Type        string `json:"type"`
	Features    []Item `json:"features"`
	Links       []Link `json:"links"`
	NumMatched  *int   `json:"numMatched"`
	NumReturned *int   `json:"numReturned"`
	Context     *struct {
		Matched  *int `json:"matched"`
		Returned *int `json:"returned"`
	} `json:"context"`
}

// DecodePage decodes an ItemCollection JSON document into a Page.
func DecodePage(r io.Reader) (*Page, error) {
	var ic itemCollection
	if err := json.NewDecoder(r).Decode(&ic); err != nil {
		return nil, fmt.Errorf("decode item collection: %w", err)
	}
	if ic.Type != "" && ic.Type != "FeatureCollection" {
		return nil, fmt.Errorf("unexpected response type %q", ic.Type)
	}

	page := &Page{
		Items:       ic.Features,
		Links:       ic.Links,
		NumMatched:  UnknownCount,
		NumReturned: len(ic.Features),
	}
	if page.Items == nil {
		page.Items = []Item{}
	}

	switch {
	case ic.NumMatched != nil:
		page.NumMatched = *ic.NumMatched
	case ic.Context != nil && ic.Context.Matched != nil:
		page.NumMatched = *ic.Context.Matched
	}

	switch {
	case ic.NumReturned != nil:
		page.NumReturned = *ic.NumReturned
	case ic.Context != nil && ic.Context.Returned != nil:
		page.NumReturned = *ic.Context.Returned
	}

	return page, nil
}
