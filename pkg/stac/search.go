package stac

import (
	"sort"

	"github.com/samber/lo"
)

// CMIP6 property namespace used by the STAC CMIP6 extension.
const CMIP6Prefix = "cmip6:"

// FilterLangCQL2JSON is the filter-lang value for JSON encoded filters.
const FilterLangCQL2JSON = "cql2-json"

// SearchRequest is the POST body of an item search.
type SearchRequest struct {
	Collections []string       `json:"collections,omitempty"`
	IDs         []string       `json:"ids,omitempty"`
	BBox        []float64      `json:"bbox,omitempty"`
	Datetime    string         `json:"datetime,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Query       map[string]any `json:"query,omitempty"`
	Filter      map[string]any `json:"filter,omitempty"`
	FilterLang  string         `json:"filter-lang,omitempty"`
}

// Body returns the request as a generic JSON object, the form used when
// merging next-link bodies onto the original request.
func (r SearchRequest) Body() map[string]any {
	body := map[string]any{}
	if len(r.Collections) > 0 {
		body["collections"] = r.Collections
	}
	if len(r.IDs) > 0 {
		body["ids"] = r.IDs
	}
	if len(r.BBox) > 0 {
		body["bbox"] = r.BBox
	}
	if r.Datetime != "" {
		body["datetime"] = r.Datetime
	}
	if r.Limit > 0 {
		body["limit"] = r.Limit
	}
	if len(r.Query) > 0 {
		body["query"] = r.Query
	}
	if len(r.Filter) > 0 {
		body["filter"] = r.Filter
		lang := r.FilterLang
		if lang == "" {
			lang = FilterLangCQL2JSON
		}
		body["filter-lang"] = lang
	}
	return body
}

// FacetFilter builds a CQL2-JSON filter matching items whose CMIP6 facets
// take any of the given values, for example
// {"variable_id": {"tas", "pr"}, "source_id": {"UKESM1-0-LL"}}.
//
// Facets are combined with "and"; values of one facet with "in". Facet
// properties are addressed as "properties.cmip6:<facet>", which the CEDA
// index currently requires. Facets are emitted in name order so equal
// inputs produce equal request bodies.
func FacetFilter(facets map[string][]string) map[string]any {
	if len(facets) == 0 {
		return nil
	}

	names := lo.Keys(facets)
	sort.Strings(names)

	args := make([]any, 0, len(names))
	for _, name := range names {
		values := make([]any, 0, len(facets[name]))
		for _, v := range facets[name] {
			values = append(values, v)
		}
		args = append(args, map[string]any{
			"op": "in",
			"args": []any{
				map[string]any{"property": "properties." + CMIP6Prefix + name},
				values,
			},
		})
	}

	return map[string]any{
		"op":   "and",
		"args": args,
	}
}

// MergeBody overlays next onto prev, as required for next links with
// "merge": true. Neither input is modified.
func MergeBody(prev, next map[string]any) map[string]any {
	merged := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
