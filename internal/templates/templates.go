// Package templates holds the static registry of predefined collection
// templates. Each template seeds a new collection with a default field
// schema; the merge engine also falls back to it when a persisted
// collection is missing its schema.
package templates

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/alexjbarnes/curio/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var registryYAML []byte

// Template is a predefined collection blueprint.
type Template struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Icon            string            `yaml:"icon"`
	Fields          []models.FieldDef `yaml:"fields"`
	DisplayFieldIDs []string          `yaml:"displayFieldIds"`
	BadgeFieldIDs   []string          `yaml:"badgeFieldIds"`
}

var (
	loadOnce sync.Once
	registry map[string]Template
	ordered  []Template
)

func load() {
	loadOnce.Do(func() {
		var doc struct {
			Templates []Template `yaml:"templates"`
		}

		// The registry ships inside the binary; a parse failure is a
		// build defect, not a runtime condition.
		if err := yaml.Unmarshal(registryYAML, &doc); err != nil {
			panic(fmt.Sprintf("templates: parsing embedded registry: %v", err))
		}

		registry = make(map[string]Template, len(doc.Templates))

		for _, t := range doc.Templates {
			registry[t.ID] = t
		}

		ordered = doc.Templates
	})
}

// Lookup returns the template for the given id, or false if unknown.
func Lookup(id string) (Template, bool) {
	load()

	t, ok := registry[id]

	return t, ok
}

// Schema returns the default field schema for a template id, or nil if
// the id is unknown. This is the resolver the merge engine uses for
// schema normalization.
func Schema(id string) []models.FieldDef {
	t, ok := Lookup(id)
	if !ok {
		return nil
	}

	return t.Fields
}

// All returns every registered template in declaration order.
func All() []Template {
	load()

	return ordered
}
