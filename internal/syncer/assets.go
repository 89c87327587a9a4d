package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/alexjbarnes/curio/internal/models"
	"github.com/alexjbarnes/curio/internal/remote"
)

// SaveAsset writes both variants of an item's photo to the local cache
// synchronously, then uploads them to the blob store in the background.
// A failed upload is logged and lost; the cloud copy is reconciled the
// next time the asset is saved.
func (s *Syncer) SaveAsset(ctx context.Context, itemID string, original, display []byte) error {
	if err := s.store.PutAsset(itemID, models.VariantOriginal, original); err != nil {
		return fmt.Errorf("caching original asset: %w", err)
	}

	if err := s.store.PutAsset(itemID, models.VariantDisplay, display); err != nil {
		return fmt.Errorf("caching display asset: %w", err)
	}

	if s.blobs == nil {
		return nil
	}

	uploads := []struct {
		variant models.AssetVariant
		data    []byte
	}{
		{models.VariantOriginal, original},
		{models.VariantDisplay, display},
	}

	for _, up := range uploads {
		path := remote.AssetPath(s.userID, itemID, up.variant)
		data := up.data

		s.background("upload asset "+path, func(ctx context.Context) error {
			return s.blobs.Upload(ctx, path, data)
		})
	}

	return nil
}

// GetAsset returns an item's photo variant, preferring the local cache.
// On a cache miss it downloads from the blob store, repopulates the
// cache and returns the bytes. pathHint, when non-empty, overrides the
// derived remote path; entities merged from another device carry it.
func (s *Syncer) GetAsset(ctx context.Context, itemID string, variant models.AssetVariant, pathHint string) ([]byte, error) {
	data, err := s.store.Asset(itemID, variant)
	if err == nil {
		return data, nil
	}

	if !errors.Is(err, curioerr.ErrAssetNotFound) {
		return nil, fmt.Errorf("reading cached asset: %w", err)
	}

	if s.blobs == nil {
		return nil, curioerr.ErrAssetNotFound
	}

	path := pathHint
	if path == "" {
		path = remote.AssetPath(s.userID, itemID, variant)
	}

	data, err = s.blobs.Download(ctx, path)
	if err != nil {
		if errors.Is(err, curioerr.ErrAssetNotFound) {
			return nil, curioerr.ErrAssetNotFound
		}

		return nil, fmt.Errorf("downloading asset %s: %w", path, err)
	}

	// Self-healing: the cache miss is repaired before returning so the
	// next read is local. A failed write-back only costs a re-download.
	if err := s.store.PutAsset(itemID, variant, data); err != nil {
		s.logger.Warn("repopulating asset cache",
			slog.String("item", itemID),
			slog.String("error", err.Error()),
		)
	}

	return data, nil
}

// DeleteAsset removes both cached variants synchronously and issues
// best-effort blob deletes.
func (s *Syncer) DeleteAsset(ctx context.Context, itemID string) error {
	if err := s.store.DeleteAsset(itemID); err != nil {
		return fmt.Errorf("removing cached assets: %w", err)
	}

	s.deleteRemoteAssets(itemID)

	return nil
}
