package syncer

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/curio/internal/models"
)

// SearchResult is one hit from a catalog search. ItemID is empty when
// the collection itself matched.
type SearchResult struct {
	CollectionID   string
	CollectionName string
	ItemID         string
	Title          string
	MatchedIn      string
}

var foldCaser = cases.Fold()

// normalizeText canonicalizes text for matching: Unicode NFC so
// composed and decomposed forms compare equal, then case folding.
func normalizeText(s string) string {
	return foldCaser.String(norm.NFC.String(s))
}

// Search scans the local snapshot for collections and items whose
// name, title, notes or field values contain the query, matched
// case-insensitively after Unicode normalization. Results keep catalog
// order. A non-positive limit means unlimited.
func (s *Syncer) Search(query string, limit int) ([]SearchResult, error) {
	needle := normalizeText(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	collections, err := s.store.Collections()
	if err != nil {
		return nil, err
	}

	var results []SearchResult

	full := func() bool { return limit > 0 && len(results) >= limit }

	for _, c := range collections {
		if full() {
			break
		}

		if strings.Contains(normalizeText(c.Name), needle) {
			results = append(results, SearchResult{
				CollectionID:   c.ID,
				CollectionName: c.Name,
				MatchedIn:      "name",
			})
		}

		for _, it := range c.Items {
			if full() {
				break
			}

			if field, ok := matchItem(it, needle); ok {
				results = append(results, SearchResult{
					CollectionID:   c.ID,
					CollectionName: c.Name,
					ItemID:         it.ID,
					Title:          it.Title,
					MatchedIn:      field,
				})
			}
		}
	}

	return results, nil
}

func matchItem(it models.Item, needle string) (string, bool) {
	if strings.Contains(normalizeText(it.Title), needle) {
		return "title", true
	}

	if strings.Contains(normalizeText(it.Notes), needle) {
		return "notes", true
	}

	for id, v := range it.Fields {
		if strings.Contains(normalizeText(v.Display()), needle) {
			return "field:" + id, true
		}
	}

	return "", false
}
