// Package elements normalizes the $elements arrays carried on UI-interaction
// events into an ordered chain string plus element rows, with a stable,
// content-addressed hash (spec.md §4.4 step 2, §3 ElementGroup).
package elements

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/posthog/ingest-core/internal/model"
)

// RawElement is the shape of a single entry in an input $elements array,
// as received in event properties before normalization.
type RawElement struct {
	Tag        string         `json:"tag_name"`
	Text       string         `json:"$el_text"`
	Href       string         `json:"attr__href"`
	AttrID     string         `json:"attr__id"`
	AttrClass  string         `json:"attr__class"`
	NthChild   int            `json:"nth_child"`
	NthOfType  int            `json:"nth_of_type"`
	Attributes map[string]any `json:"attributes"`
}

// Extract normalizes a raw $elements array into ordered Element rows (Order
// set to each element's index; GroupID left for the caller to fill in once
// a group id is known) plus the chain string and its content hash.
//
// Invariant 6: the chain/hash are a pure function of the input list — same
// list, same hash, same chain string.
func Extract(raw []RawElement) (chain string, hash string, rows []model.Element) {
	rows = make([]model.Element, len(raw))
	parts := make([]string, len(raw))

	for i, r := range raw {
		rows[i] = model.Element{
			TagName:    r.Tag,
			Text:       r.Text,
			Href:       r.Href,
			AttrID:     r.AttrID,
			AttrClass:  r.AttrClass,
			NthChild:   r.NthChild,
			NthOfType:  r.NthOfType,
			Attributes: r.Attributes,
			Order:      i,
		}
		parts[i] = chainSegment(r)
	}

	chain = strings.Join(parts, ";")
	hash = Hash(raw)
	return chain, hash, rows
}

// chainSegment renders a single element as a DOM-path-like fragment, e.g.
// "a.btn.primary:attr_id=\"submit\"href=\"/go\"nth-child=\"2\"nth-of-type=\"1\"".
func chainSegment(r RawElement) string {
	var b strings.Builder
	b.WriteString(r.Tag)
	if r.AttrClass != "" {
		for _, c := range strings.Fields(r.AttrClass) {
			b.WriteByte('.')
			b.WriteString(c)
		}
	}
	if r.AttrID != "" {
		fmt.Fprintf(&b, ":attr_id=\"%s\"", r.AttrID)
	}
	if r.Href != "" {
		fmt.Fprintf(&b, "href=\"%s\"", r.Href)
	}
	if r.NthChild != 0 {
		fmt.Fprintf(&b, "nth-child=\"%d\"", r.NthChild)
	}
	if r.NthOfType != 0 {
		fmt.Fprintf(&b, "nth-of-type=\"%d\"", r.NthOfType)
	}
	return b.String()
}

// Hash computes the deterministic fingerprint of an ordered element list
// used as the ElementGroup's content-addressing key ((team_id, hash)
// unique, spec.md §3). Order matters: elements are hashed in input order,
// not sorted, since the chain itself is order-sensitive; attribute maps
// within a single element are sorted by key so map iteration order never
// leaks into the hash.
func Hash(raw []RawElement) string {
	h := sha1.New()
	for _, r := range raw {
		fmt.Fprintf(h, "tag=%s|text=%s|href=%s|id=%s|class=%s|nc=%d|nt=%d|",
			r.Tag, r.Text, r.Href, r.AttrID, r.AttrClass, r.NthChild, r.NthOfType)
		keys := make([]string, 0, len(r.Attributes))
		for k := range r.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "attr:%s=%v|", k, r.Attributes[k])
		}
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
