package remote

import (
	"context"
	"fmt"
)

// schemaStatements creates the relational schema. The updated_at trigger
// keeps server time authoritative for conflict resolution; deployments
// that trust client-supplied timestamps skip installing it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		id         text PRIMARY KEY,
		user_id    text NOT NULL,
		template_id text,
		name       text NOT NULL,
		icon       text,
		settings   jsonb,
		is_public  boolean NOT NULL DEFAULT false,
		seed_key   text,
		created_at timestamptz NOT NULL DEFAULT NOW(),
		updated_at timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id                 text PRIMARY KEY,
		collection_id      text NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		user_id            text NOT NULL,
		title              text NOT NULL,
		notes              text,
		rating             integer NOT NULL DEFAULT 0,
		data               jsonb,
		photo_path         text,
		display_photo_path text,
		seed_key           text,
		created_at         timestamptz NOT NULL DEFAULT NOW(),
		updated_at         timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS items_collection_id_idx ON items (collection_id)`,
	`CREATE INDEX IF NOT EXISTS collections_user_id_idx ON collections (user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS collections_seed_key_idx ON collections (user_id, seed_key) WHERE seed_key IS NOT NULL`,
}

var triggerStatements = []string{
	`CREATE OR REPLACE FUNCTION touch_updated_at() RETURNS trigger AS $$
	BEGIN
		NEW.updated_at = NOW();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS collections_touch ON collections`,
	`CREATE TRIGGER collections_touch BEFORE INSERT OR UPDATE ON collections
		FOR EACH ROW EXECUTE FUNCTION touch_updated_at()`,
	`DROP TRIGGER IF EXISTS items_touch ON items`,
	`CREATE TRIGGER items_touch BEFORE INSERT OR UPDATE ON items
		FOR EACH ROW EXECUTE FUNCTION touch_updated_at()`,
}

// Migrate creates tables and indexes, and installs the updated_at
// trigger unless the store is configured to trust client timestamps.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	if s.trustClientTime {
		return nil
	}

	for _, stmt := range triggerStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("installing updated_at trigger: %w", err)
		}
	}

	return nil
}
