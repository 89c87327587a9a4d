// Package remote is the authoritative cloud tier: collection and item
// rows in Postgres, asset blobs behind an HTTP object store, a change
// feed over WebSocket, and the session token that scopes all of it to
// one user. Remote failures are soft: the orchestrator degrades to the
// local cache whenever anything here errors.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/alexjbarnes/curio/internal/models"
	"github.com/lib/pq"
)

const (
	// pingTimeout bounds the reachability probe at startup. The sync
	// path itself carries no timeout; only the initial probe does.
	pingTimeout = 5 * time.Second

	// maxOpenConns keeps the pool small. A single-user daemon never
	// needs more than a handful of connections.
	maxOpenConns = 4

	// connMaxLifetime recycles pooled connections so long-running
	// daemons survive server-side connection reaping.
	connMaxLifetime = 30 * time.Minute
)

// Store talks to the relational tier. Row access is scoped to the
// owning user plus public-read rows; the server enforces this, the
// client just filters its queries the same way.
type Store struct {
	db *sql.DB

	// trustClientTime controls whether client-generated updated_at
	// values are written. When false the server trigger owns the column
	// and conflict resolution trusts server time.
	trustClientTime bool
}

// OpenStore connects to Postgres and verifies reachability.
func OpenStore(ctx context.Context, dsn string, trustClientTime bool) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %v: %w", err, curioerr.ErrRemoteUnavailable)
	}

	return &Store{db: db, trustClientTime: trustClientTime}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}

	return t.Time.UTC().Format(time.RFC3339Nano)
}

// FetchCollections returns the caller's collections plus, when
// includePublic is set, every publicly-flagged collection, each with its
// items attached. Exactly two queries run regardless of collection
// count: one for collections, one for items filtered by the resulting
// id set.
func (s *Store) FetchCollections(ctx context.Context, userID string, includePublic bool) ([]models.Collection, error) {
	const collectionsQuery = `
		SELECT id, user_id, COALESCE(template_id,''), name, COALESCE(icon,''),
		       COALESCE(settings,'{}'::jsonb), is_public, COALESCE(seed_key,''),
		       created_at, updated_at
		FROM collections
		WHERE user_id = $1 OR (is_public AND $2)
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, collectionsQuery, userID, includePublic)
	if err != nil {
		return nil, fmt.Errorf("fetching collections: %w", err)
	}
	defer rows.Close()

	var (
		collections []models.Collection
		index       = make(map[string]int)
		ids         []string
	)

	for rows.Next() {
		var (
			c            models.Collection
			settingsJSON []byte
			createdAt    sql.NullTime
			updatedAt    sql.NullTime
		)

		if err := rows.Scan(&c.ID, &c.UserID, &c.TemplateID, &c.Name, &c.Icon,
			&settingsJSON, &c.IsPublic, &c.SeedKey, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning collection row: %w", err)
		}

		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
				return nil, fmt.Errorf("decoding settings for collection %s: %w", c.ID, err)
			}
		}

		c.CreatedAt = formatTime(createdAt)
		c.UpdatedAt = formatTime(updatedAt)

		index[c.ID] = len(collections)
		ids = append(ids, c.ID)
		collections = append(collections, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading collection rows: %w", err)
	}

	if len(ids) == 0 {
		return collections, nil
	}

	items, err := s.fetchItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, it := range items {
		i, ok := index[it.CollectionID]
		if !ok {
			continue
		}

		collections[i].Items = append(collections[i].Items, it)
	}

	return collections, nil
}

// fetchItems loads every item belonging to the given collection ids in
// one query.
func (s *Store) fetchItems(ctx context.Context, collectionIDs []string) ([]models.Item, error) {
	const itemsQuery = `
		SELECT id, collection_id, user_id, title, COALESCE(notes,''), COALESCE(rating,0),
		       COALESCE(data,'{}'::jsonb), COALESCE(photo_path,''), COALESCE(display_photo_path,''),
		       COALESCE(seed_key,''), created_at, updated_at
		FROM items
		WHERE collection_id = ANY($1)
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, itemsQuery, pq.Array(collectionIDs))
	if err != nil {
		return nil, fmt.Errorf("fetching items: %w", err)
	}
	defer rows.Close()

	var items []models.Item

	for rows.Next() {
		var (
			it        models.Item
			dataJSON  []byte
			createdAt sql.NullTime
			updatedAt sql.NullTime
		)

		if err := rows.Scan(&it.ID, &it.CollectionID, &it.UserID, &it.Title, &it.Notes, &it.Rating,
			&dataJSON, &it.PhotoPath, &it.DisplayPhotoPath, &it.SeedKey, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}

		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &it.Fields); err != nil {
				return nil, fmt.Errorf("decoding fields for item %s: %w", it.ID, err)
			}
		}

		it.CreatedAt = formatTime(createdAt)
		it.UpdatedAt = formatTime(updatedAt)

		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading item rows: %w", err)
	}

	return items, nil
}

// SaveCollection upserts the collection row and then each item row. The
// collection row is committed first so item foreign keys always resolve;
// a failure partway through is safe because the whole call retries on
// the next debounced push.
func (s *Store) SaveCollection(ctx context.Context, c models.Collection) error {
	if err := s.upsertCollection(ctx, c); err != nil {
		return err
	}

	for _, it := range c.Items {
		if err := s.SaveItem(ctx, it); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) upsertCollection(ctx context.Context, c models.Collection) error {
	settingsJSON, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings for collection %s: %w", c.ID, err)
	}

	if s.trustClientTime {
		const query = `
			INSERT INTO collections (id, user_id, template_id, name, icon, settings, is_public, seed_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::timestamptz, NOW()), $10::timestamptz)
			ON CONFLICT (id) DO UPDATE SET
				template_id = EXCLUDED.template_id,
				name = EXCLUDED.name,
				icon = EXCLUDED.icon,
				settings = EXCLUDED.settings,
				is_public = EXCLUDED.is_public,
				updated_at = EXCLUDED.updated_at`

		_, err = s.db.ExecContext(ctx, query, c.ID, c.UserID, nullable(c.TemplateID), c.Name, c.Icon,
			settingsJSON, c.IsPublic, nullable(c.SeedKey), nullable(c.CreatedAt), nullable(c.UpdatedAt))
	} else {
		const query = `
			INSERT INTO collections (id, user_id, template_id, name, icon, settings, is_public, seed_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				template_id = EXCLUDED.template_id,
				name = EXCLUDED.name,
				icon = EXCLUDED.icon,
				settings = EXCLUDED.settings,
				is_public = EXCLUDED.is_public`

		_, err = s.db.ExecContext(ctx, query, c.ID, c.UserID, nullable(c.TemplateID), c.Name, c.Icon,
			settingsJSON, c.IsPublic, nullable(c.SeedKey))
	}

	if err != nil {
		return fmt.Errorf("upserting collection %s: %w", c.ID, err)
	}

	return nil
}

// SaveItem upserts one item row.
func (s *Store) SaveItem(ctx context.Context, it models.Item) error {
	dataJSON, err := json.Marshal(it.Fields)
	if err != nil {
		return fmt.Errorf("encoding fields for item %s: %w", it.ID, err)
	}

	if s.trustClientTime {
		const query = `
			INSERT INTO items (id, collection_id, user_id, title, notes, rating, data, photo_path, display_photo_path, seed_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::timestamptz, NOW()), $12::timestamptz)
			ON CONFLICT (id) DO UPDATE SET
				collection_id = EXCLUDED.collection_id,
				title = EXCLUDED.title,
				notes = EXCLUDED.notes,
				rating = EXCLUDED.rating,
				data = EXCLUDED.data,
				photo_path = EXCLUDED.photo_path,
				display_photo_path = EXCLUDED.display_photo_path,
				updated_at = EXCLUDED.updated_at`

		_, err = s.db.ExecContext(ctx, query, it.ID, it.CollectionID, it.UserID, it.Title, it.Notes, it.Rating,
			dataJSON, it.PhotoPath, it.DisplayPhotoPath, nullable(it.SeedKey), nullable(it.CreatedAt), nullable(it.UpdatedAt))
	} else {
		const query = `
			INSERT INTO items (id, collection_id, user_id, title, notes, rating, data, photo_path, display_photo_path, seed_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				collection_id = EXCLUDED.collection_id,
				title = EXCLUDED.title,
				notes = EXCLUDED.notes,
				rating = EXCLUDED.rating,
				data = EXCLUDED.data,
				photo_path = EXCLUDED.photo_path,
				display_photo_path = EXCLUDED.display_photo_path`

		_, err = s.db.ExecContext(ctx, query, it.ID, it.CollectionID, it.UserID, it.Title, it.Notes, it.Rating,
			dataJSON, it.PhotoPath, it.DisplayPhotoPath, nullable(it.SeedKey))
	}

	if err != nil {
		return fmt.Errorf("upserting item %s: %w", it.ID, err)
	}

	return nil
}

// DeleteItem removes one item row. There is no tombstone table; the id's
// absence from the next fetch is the deletion signal other devices see.
func (s *Store) DeleteItem(ctx context.Context, itemID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("deleting item %s: %w", itemID, err)
	}

	return nil
}

// DeleteCollection removes a collection row and its items.
func (s *Store) DeleteCollection(ctx context.Context, collectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE collection_id = $1`, collectionID); err != nil {
		return fmt.Errorf("deleting items of collection %s: %w", collectionID, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = $1`, collectionID); err != nil {
		return fmt.Errorf("deleting collection %s: %w", collectionID, err)
	}

	return nil
}

// nullable maps "" to SQL NULL so optional text columns stay NULL
// instead of accumulating empty strings.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
