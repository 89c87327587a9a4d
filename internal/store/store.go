// Package store is the on-device cache: a single bbolt database holding
// full collection documents (items embedded), asset blobs per variant,
// and small settings values. Every mutation runs inside one bbolt
// transaction, so callers never observe a partially-written cache.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/alexjbarnes/curio/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the data directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	collectionsBucket    = []byte("collections")
	assetsOriginalBucket = []byte("assets:original")
	assetsDisplayBucket  = []byte("assets:display")
	settingsBucket       = []byte("settings")
)

func assetBucket(variant models.AssetVariant) ([]byte, error) {
	switch variant {
	case models.VariantOriginal:
		return assetsOriginalBucket, nil
	case models.VariantDisplay:
		return assetsDisplayBucket, nil
	default:
		return nil, fmt.Errorf("unknown asset variant %q", variant)
	}
}

// Store wraps the bbolt database. Construct it with New and share the
// one handle per process; Open is idempotent and memoizes its result,
// so concurrent callers all get the same live database.
type Store struct {
	path string

	openOnce sync.Once
	openErr  error
	db       *bolt.DB
}

// New creates a Store for the database at path without touching disk.
func New(path string) *Store {
	return &Store{path: path}
}

// Open opens the database, creating it and its buckets if needed.
// Repeated calls return the first call's result.
func (s *Store) Open() error {
	s.openOnce.Do(func() {
		s.openErr = s.open()
	})

	return s.openErr
}

func (s *Store) open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), cacheDirPerm); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(s.path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{collectionsBucket, assetsOriginalBucket, assetsDisplayBucket, settingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("initializing cache db: %w", err)
	}

	s.db = db

	return nil
}

// Close closes the database. The Store cannot be reopened afterwards.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Collections returns every cached collection document.
func (s *Store) Collections() ([]models.Collection, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}

	var collections []models.Collection

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).ForEach(func(k, v []byte) error {
			var c models.Collection
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decoding collection %s: %w", k, err)
			}

			collections = append(collections, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return collections, nil
}

// Collection returns one cached collection by id.
func (s *Store) Collection(id string) (*models.Collection, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}

	var c *models.Collection

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(collectionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		c = &models.Collection{}

		return json.Unmarshal(v, c)
	})
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, curioerr.ErrCollectionNotFound
	}

	return c, nil
}

// PutCollection persists one full collection document.
func (s *Store) PutCollection(c models.Collection) error {
	if err := s.Open(); err != nil {
		return err
	}

	if c.ID == "" {
		return fmt.Errorf("collection has no id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(collectionsBucket).Put([]byte(c.ID), data)
	})
}

// DeleteCollection removes one collection document. Missing ids are not
// an error.
func (s *Store) DeleteCollection(id string) error {
	if err := s.Open(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(collectionsBucket).Delete([]byte(id))
	})
}

// ReplaceCollections atomically swaps the entire collection set for the
// given snapshot: the bucket is dropped and rewritten in one
// transaction, so readers see either the old set or the new one.
func (s *Store) ReplaceCollections(collections []models.Collection) error {
	if err := s.Open(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(collectionsBucket); err != nil {
			return fmt.Errorf("clearing collections: %w", err)
		}

		b, err := tx.CreateBucket(collectionsBucket)
		if err != nil {
			return fmt.Errorf("recreating collections bucket: %w", err)
		}

		for _, c := range collections {
			if c.ID == "" {
				return fmt.Errorf("collection %q has no id", c.Name)
			}

			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("encoding collection %s: %w", c.ID, err)
			}

			if err := b.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// PutAsset stores one asset blob for (itemID, variant).
func (s *Store) PutAsset(itemID string, variant models.AssetVariant, data []byte) error {
	if err := s.Open(); err != nil {
		return err
	}

	bucket, err := assetBucket(variant)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(itemID), data)
	})
}

// Asset returns the cached blob for (itemID, variant), or
// ErrAssetNotFound when the cache has no entry.
func (s *Store) Asset(itemID string, variant models.AssetVariant) ([]byte, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}

	bucket, err := assetBucket(variant)
	if err != nil {
		return nil, err
	}

	var data []byte

	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(itemID))
		if v == nil {
			return nil
		}

		// bbolt values are only valid inside the transaction.
		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, curioerr.ErrAssetNotFound
	}

	return data, nil
}

// DeleteAsset removes both variants for an item in one transaction.
func (s *Store) DeleteAsset(itemID string) error {
	if err := s.Open(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(assetsOriginalBucket).Delete([]byte(itemID)); err != nil {
			return err
		}

		return tx.Bucket(assetsDisplayBucket).Delete([]byte(itemID))
	})
}

// Setting returns the raw value for a settings key, or nil when unset.
func (s *Store) Setting(key string) ([]byte, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}

	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// PutSetting stores a small keyed value (schema/seed versions, the
// known-remote id set, and similar bookkeeping).
func (s *Store) PutSetting(key string, value []byte) error {
	if err := s.Open(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), value)
	})
}

// DeleteSetting removes a settings key.
func (s *Store) DeleteSetting(key string) error {
	if err := s.Open(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Delete([]byte(key))
	})
}
