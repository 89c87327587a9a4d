// Package merge reconciles the local cache against the authoritative
// remote snapshot. All functions are pure: they never touch storage or
// the network, and never panic on empty or malformed input.
//
// Resolution is whole-entity last-writer-wins on the effective
// timestamp (UpdatedAt when present, else CreatedAt), with ties going
// to the local copy so in-progress local edits are never discarded.
// Deletion markers are final: an id named in the deleted set never
// appears in the output, even when only the local tier still holds it.
package merge

import (
	"strings"
	"time"

	"github.com/alexjbarnes/curio/internal/models"
)

// DeletedSet holds ids known to be removed from the remote store. The
// orchestrator computes it by diffing the previously-known remote id set
// against the newest fetch; this package only consumes it. A nil set
// means no known deletions.
type DeletedSet map[string]struct{}

// NewDeletedSet builds a DeletedSet from ids.
func NewDeletedSet(ids ...string) DeletedSet {
	if len(ids) == 0 {
		return nil
	}

	s := make(DeletedSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

// Contains reports whether id is marked deleted. Safe on a nil set.
func (s DeletedSet) Contains(id string) bool {
	if s == nil {
		return false
	}

	_, ok := s[id]

	return ok
}

// SchemaResolver returns the default field schema for a template id, or
// nil when the template is unknown. The templates package satisfies it.
type SchemaResolver func(templateID string) []models.FieldDef

// parseInstant parses an entity timestamp. Entities written by older
// builds carried bare RFC 3339 while current ones use nanosecond
// precision; time.RFC3339Nano accepts both. Empty, whitespace-only and
// non-date strings report ok=false and are treated as absent.
func parseInstant(s string) (time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// CompareTimestamps orders two timestamp strings:
//
//	 0 when both are absent or unparsable, or equal to the millisecond
//	-1 when only a is absent/unparsable, or a is earlier
//	+1 when only b is absent/unparsable, or a is later
func CompareTimestamps(a, b string) int {
	ta, okA := parseInstant(a)
	tb, okB := parseInstant(b)

	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}

	diff := ta.UnixMilli() - tb.UnixMilli()

	switch {
	case diff < 0:
		return -1
	case diff > 0:
		return 1
	default:
		return 0
	}
}

// EffectiveTimestamp returns the timestamp used for conflict resolution:
// UpdatedAt when present, else CreatedAt.
func EffectiveTimestamp(updatedAt, createdAt string) string {
	if strings.TrimSpace(updatedAt) != "" {
		return updatedAt
	}

	return createdAt
}

func itemTimestamp(it models.Item) string {
	return EffectiveTimestamp(it.UpdatedAt, it.CreatedAt)
}

func collectionTimestamp(c models.Collection) string {
	return EffectiveTimestamp(c.UpdatedAt, c.CreatedAt)
}

// MergeItems reconciles the local and cloud item sets. Output order is
// cloud order for ids the cloud knows about, followed by local-only
// items in local order. Duplicate ids within one input keep their first
// occurrence.
func MergeItems(local, cloud []models.Item, cloudDeleted DeletedSet) []models.Item {
	localByID := make(map[string]models.Item, len(local))

	for _, it := range local {
		if _, dup := localByID[it.ID]; dup {
			continue
		}

		localByID[it.ID] = it
	}

	merged := make([]models.Item, 0, len(local)+len(cloud))
	emitted := make(map[string]struct{}, len(local)+len(cloud))

	for _, cloudItem := range cloud {
		if cloudDeleted.Contains(cloudItem.ID) {
			continue
		}

		if _, done := emitted[cloudItem.ID]; done {
			continue
		}

		emitted[cloudItem.ID] = struct{}{}

		localItem, ok := localByID[cloudItem.ID]
		if !ok {
			merged = append(merged, cloudItem)
			continue
		}

		// Local wins ties so an in-flight local edit is never dropped.
		if CompareTimestamps(itemTimestamp(localItem), itemTimestamp(cloudItem)) >= 0 {
			merged = append(merged, localItem)
		} else {
			merged = append(merged, cloudItem)
		}
	}

	for _, it := range local {
		if _, done := emitted[it.ID]; done {
			continue
		}

		if cloudDeleted.Contains(it.ID) {
			continue
		}

		emitted[it.ID] = struct{}{}
		merged = append(merged, it)
	}

	return merged
}

// normalizeSchema repairs a collection whose persisted field schema is
// missing or empty by falling back to its template's default schema.
func normalizeSchema(c models.Collection, schemas SchemaResolver) models.Collection {
	if len(c.Settings.Fields) > 0 || schemas == nil {
		return c
	}

	if fallback := schemas(c.TemplateID); len(fallback) > 0 {
		c.Settings.Fields = fallback
	}

	return c
}

// MergeCollections reconciles the local and cloud collection sets using
// the same precedence as MergeItems for collection metadata. Matched
// collections merge their embedded item lists recursively; the winning
// side's metadata carries the merged items.
func MergeCollections(local, cloud []models.Collection, cloudDeleted DeletedSet, schemas SchemaResolver) []models.Collection {
	localByID := make(map[string]models.Collection, len(local))

	for _, c := range local {
		if _, dup := localByID[c.ID]; dup {
			continue
		}

		localByID[c.ID] = normalizeSchema(c, schemas)
	}

	merged := make([]models.Collection, 0, len(local)+len(cloud))
	emitted := make(map[string]struct{}, len(local)+len(cloud))

	for _, cloudCol := range cloud {
		if cloudDeleted.Contains(cloudCol.ID) {
			continue
		}

		if _, done := emitted[cloudCol.ID]; done {
			continue
		}

		emitted[cloudCol.ID] = struct{}{}

		cloudCol = normalizeSchema(cloudCol, schemas)

		localCol, ok := localByID[cloudCol.ID]
		if !ok {
			cloudCol.Items = MergeItems(nil, cloudCol.Items, cloudDeleted)
			merged = append(merged, cloudCol)

			continue
		}

		items := MergeItems(localCol.Items, cloudCol.Items, cloudDeleted)

		winner := localCol
		if CompareTimestamps(collectionTimestamp(localCol), collectionTimestamp(cloudCol)) < 0 {
			winner = cloudCol
		}

		winner.Items = items
		merged = append(merged, winner)
	}

	for _, c := range local {
		if _, done := emitted[c.ID]; done {
			continue
		}

		if cloudDeleted.Contains(c.ID) {
			continue
		}

		emitted[c.ID] = struct{}{}

		c = normalizeSchema(c, schemas)
		c.Items = MergeItems(c.Items, nil, cloudDeleted)
		merged = append(merged, c)
	}

	return merged
}
