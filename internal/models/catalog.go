// Package models defines the catalog entities shared by the local store,
// the remote adapter, and the merge engine. Timestamps are RFC 3339
// strings generated by whichever device performed the write; conflict
// resolution parses them leniently (see the merge package).
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldType enumerates the typed values an item field can carry.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldDate    FieldType = "date"
	FieldEnum    FieldType = "enum"
)

// AssetVariant names one of the two image representations stored per item.
type AssetVariant string

const (
	VariantOriginal AssetVariant = "original"
	VariantDisplay  AssetVariant = "display"
)

const (
	// MinRating and MaxRating bound the item rating scale.
	MinRating = 0
	MaxRating = 5
)

// FieldDef describes one custom field in a collection's schema.
type FieldDef struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name" yaml:"name"`
	Type    FieldType `json:"type" yaml:"type"`
	Options []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// FieldValue is a tagged variant holding exactly one typed value. The
// Type discriminator selects which payload field is meaningful.
type FieldValue struct {
	Type   FieldType `json:"type"`
	Text   string    `json:"text,omitempty"`
	Number float64   `json:"number,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Date   string    `json:"date,omitempty"`
	Enum   string    `json:"enum,omitempty"`
}

// TextValue, NumberValue, BoolValue, DateValue and EnumValue build
// tagged values without the caller touching the discriminator.
func TextValue(s string) FieldValue    { return FieldValue{Type: FieldText, Text: s} }
func NumberValue(n float64) FieldValue { return FieldValue{Type: FieldNumber, Number: n} }
func BoolValue(b bool) FieldValue      { return FieldValue{Type: FieldBoolean, Bool: b} }
func DateValue(d string) FieldValue    { return FieldValue{Type: FieldDate, Date: d} }
func EnumValue(v string) FieldValue    { return FieldValue{Type: FieldEnum, Enum: v} }

// Validate checks the value against its field definition.
func (v FieldValue) Validate(def FieldDef) error {
	if v.Type != def.Type {
		return fmt.Errorf("field %s: value type %q does not match schema type %q", def.ID, v.Type, def.Type)
	}

	switch v.Type {
	case FieldText, FieldNumber, FieldBoolean:
		return nil

	case FieldDate:
		if v.Date == "" {
			return nil
		}

		if _, err := time.Parse(time.RFC3339, v.Date); err != nil {
			return fmt.Errorf("field %s: invalid date %q: %w", def.ID, v.Date, err)
		}

		return nil

	case FieldEnum:
		if v.Enum == "" {
			return nil
		}

		for _, opt := range def.Options {
			if opt == v.Enum {
				return nil
			}
		}

		return fmt.Errorf("field %s: %q is not one of the allowed options", def.ID, v.Enum)

	default:
		return fmt.Errorf("field %s: unknown field type %q", def.ID, v.Type)
	}
}

// Display renders the value for search and MCP output.
func (v FieldValue) Display() string {
	switch v.Type {
	case FieldText:
		return v.Text
	case FieldNumber:
		return fmt.Sprintf("%g", v.Number)
	case FieldBoolean:
		return fmt.Sprintf("%t", v.Bool)
	case FieldDate:
		return v.Date
	case FieldEnum:
		return v.Enum
	default:
		return ""
	}
}

// CollectionSettings carries the per-collection field schema and the
// field ordering used by list and badge rendering.
type CollectionSettings struct {
	Fields          []FieldDef `json:"fields,omitempty"`
	DisplayFieldIDs []string   `json:"displayFieldIds,omitempty"`
	BadgeFieldIDs   []string   `json:"badgeFieldIds,omitempty"`
}

// Collection groups items sharing a field schema. Items are embedded so
// the local store persists one full document per collection.
type Collection struct {
	ID         string             `json:"id"`
	TemplateID string             `json:"templateId"`
	Name       string             `json:"name"`
	Icon       string             `json:"icon,omitempty"`
	Settings   CollectionSettings `json:"settings"`
	UserID     string             `json:"userId,omitempty"`
	IsPublic   bool               `json:"isPublic,omitempty"`
	SeedKey    string             `json:"seedKey,omitempty"`
	CreatedAt  string             `json:"createdAt,omitempty"`
	UpdatedAt  string             `json:"updatedAt,omitempty"`
	Items      []Item             `json:"items,omitempty"`
}

// Item is a single cataloged object. Fields maps field-id to a tagged
// value; entries are validated against the owning collection's schema at
// the read/write boundary, not on every access.
type Item struct {
	ID               string                `json:"id"`
	CollectionID     string                `json:"collectionId"`
	UserID           string                `json:"userId,omitempty"`
	Title            string                `json:"title"`
	Rating           int                   `json:"rating,omitempty"`
	Notes            string                `json:"notes,omitempty"`
	Fields           map[string]FieldValue `json:"fields,omitempty"`
	PhotoPath        string                `json:"photoPath,omitempty"`
	DisplayPhotoPath string                `json:"displayPhotoPath,omitempty"`
	SeedKey          string                `json:"seedKey,omitempty"`
	CreatedAt        string                `json:"createdAt"`
	UpdatedAt        string                `json:"updatedAt,omitempty"`
}

// Validate checks the item's core fields and its typed values against
// the given schema. Values for field ids absent from the schema are
// rejected so stale entries cannot accumulate silently.
func (it Item) Validate(schema []FieldDef) error {
	if it.ID == "" {
		return fmt.Errorf("item has no id")
	}

	if it.CollectionID == "" {
		return fmt.Errorf("item %s has no collection id", it.ID)
	}

	if it.Rating < MinRating || it.Rating > MaxRating {
		return fmt.Errorf("item %s: rating %d out of range [%d,%d]", it.ID, it.Rating, MinRating, MaxRating)
	}

	defs := make(map[string]FieldDef, len(schema))
	for _, def := range schema {
		defs[def.ID] = def
	}

	for fieldID, val := range it.Fields {
		def, ok := defs[fieldID]
		if !ok {
			return fmt.Errorf("item %s: field %s is not in the collection schema", it.ID, fieldID)
		}

		if err := val.Validate(def); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}

	return nil
}

// NewID returns a fresh locally-generated entity id.
func NewID() string {
	return uuid.NewString()
}

// Now returns the current instant formatted the way entity timestamps
// are stored.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
