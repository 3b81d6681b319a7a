package model

import (
	"context"
	"errors"

	"github.com/wolfeidau/sidecar"
	"github.com/wolfeidau/sidecar/store/metadb"
)

// GetAsset returns the asset for link.
func (m *Model) GetAsset(ctx context.Context, link string) (*Asset, error) {
	key, err := sidecar.NormalizeLink(link)
	if err != nil {
		return nil, err
	}

	var asset *Asset
	err = m.view(ctx, "get_asset", func(tx *metadb.Tx) error {
		asset, err = get[Asset](tx, collectionAssets, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// AllAssets returns every asset in key order.
func (m *Model) AllAssets(ctx context.Context) ([]Asset, error) {
	var assets []Asset
	err := m.view(ctx, "all_assets", func(tx *metadb.Tx) error {
		var err error
		assets, err = all[Asset](tx, collectionAssets)
		return err
	})
	return assets, err
}

// TouchAsset returns the asset for link, creating it with a fresh path
// under the platform's asset directory when missing. Inserted reports
// whether this call created it. Assets are keyed by the normalized link, so
// links pinned to different checkouts are distinct assets.
func (m *Model) TouchAsset(ctx context.Context, link string) (*Asset, error) {
	key, err := sidecar.NormalizeLink(link)
	if err != nil {
		return nil, err
	}

	var asset *Asset
	err = m.update(ctx, "touch_asset", func(tx *metadb.Tx) error {
		existing, err := get[Asset](tx, collectionAssets, key)
		if err == nil {
			asset = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		path, err := m.dir.NewAssetPath()
		if err != nil {
			return err
		}
		asset = &Asset{Link: key, Path: path}
		if err := tx.Insert(collectionAssets, key, asset); err != nil {
			return err
		}
		asset.Inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// UpdateAssetBytesAllocated records how many bytes an existing asset uses
// on disk.
func (m *Model) UpdateAssetBytesAllocated(ctx context.Context, link string, bytes int64) (*Asset, error) {
	key, err := sidecar.NormalizeLink(link)
	if err != nil {
		return nil, err
	}

	var asset *Asset
	err = m.update(ctx, "update_asset_bytes_allocated", func(tx *metadb.Tx) error {
		asset, err = get[Asset](tx, collectionAssets, key)
		if err != nil {
			return err
		}
		asset.BytesAllocated = bytes
		return tx.Insert(collectionAssets, key, asset)
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

// GCFirstAsset removes the asset with the smallest key and queues its path
// for garbage collection in the same transaction. It returns ErrNotFound
// when there are no assets.
func (m *Model) GCFirstAsset(ctx context.Context) (*Asset, error) {
	var asset Asset
	err := m.update(ctx, "gc_first_asset", func(tx *metadb.Tx) error {
		key, err := tx.First(collectionAssets, &asset)
		if err != nil {
			if errors.Is(err, metadb.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(collectionAssets, key); err != nil {
			return err
		}
		return tx.Insert(collectionGC, asset.Path, GCEntry{Path: asset.Path})
	})
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ScavengeAssets drops asset records for which exists returns false and
// returns how many were removed.
func (m *Model) ScavengeAssets(ctx context.Context, exists func(path string) bool) (int, error) {
	removed := 0
	err := m.update(ctx, "scavenge_assets", func(tx *metadb.Tx) error {
		var stale []string
		err := tx.Each(collectionAssets, func(key string, decode func(any) error) error {
			var asset Asset
			if err := decode(&asset); err != nil {
				return err
			}
			if !exists(asset.Path) {
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range stale {
			if err := tx.Delete(collectionAssets, key); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
