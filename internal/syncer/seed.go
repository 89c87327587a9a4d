package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/templates"
)

const (
	// seedVersion bumps when the starter catalog changes shape. Seeding
	// runs once per version per local store.
	seedVersion = 1

	seedVersionKey = "seed_version"
)

// EnsureSeed creates one starter collection per registered template the
// first time a local store is used. Seed keys make the operation
// idempotent across devices: a collection whose seed key already exists
// (locally or merged in from remote) is never created twice.
//
// Call after the initial LoadCollections so remote-seeded collections
// are visible here.
func (s *Syncer) EnsureSeed(ctx context.Context) error {
	if v := s.seededVersion(); v >= seedVersion {
		return nil
	}

	existing, err := s.store.Collections()
	if err != nil {
		return fmt.Errorf("reading snapshot before seeding: %w", err)
	}

	seen := make(map[string]struct{})

	for _, c := range existing {
		if c.SeedKey != "" {
			seen[c.SeedKey] = struct{}{}
		}
	}

	created := 0

	for _, t := range templates.All() {
		key := "starter:" + t.ID
		if _, ok := seen[key]; ok {
			continue
		}

		c := models.Collection{
			ID:         models.NewID(),
			TemplateID: t.ID,
			Name:       t.Name,
			Icon:       t.Icon,
			SeedKey:    key,
			Settings: models.CollectionSettings{
				Fields:          t.Fields,
				DisplayFieldIDs: t.DisplayFieldIDs,
				BadgeFieldIDs:   t.BadgeFieldIDs,
			},
		}

		if _, err := s.SaveCollection(ctx, c); err != nil {
			return fmt.Errorf("seeding collection %s: %w", t.ID, err)
		}

		created++
	}

	if err := s.store.PutSetting(seedVersionKey, []byte(strconv.Itoa(seedVersion))); err != nil {
		return fmt.Errorf("recording seed version: %w", err)
	}

	s.logger.Info("starter catalog seeded", slog.Int("created", created))

	return nil
}

func (s *Syncer) seededVersion() int {
	data, err := s.store.Setting(seedVersionKey)
	if err != nil || data == nil {
		return 0
	}

	v, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}

	return v
}
