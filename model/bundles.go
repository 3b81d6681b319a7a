package model

import (
	"context"
	"errors"
	"slices"

	"github.com/wolfeidau/sidecar"
	"github.com/wolfeidau/sidecar/store/metadb"
)

// GetBundle returns the bundle for link's origin.
func (m *Model) GetBundle(ctx context.Context, link string) (*Bundle, error) {
	origin, err := sidecar.CanonicalOrigin(link)
	if err != nil {
		return nil, err
	}

	var bundle *Bundle
	err = m.view(ctx, "get_bundle", func(tx *metadb.Tx) error {
		bundle, err = get[Bundle](tx, collectionBundles, origin)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// AllBundles returns every bundle.
func (m *Model) AllBundles(ctx context.Context) ([]Bundle, error) {
	var bundles []Bundle
	err := m.view(ctx, "all_bundles", func(tx *metadb.Tx) error {
		var err error
		bundles, err = all[Bundle](tx, collectionBundles)
		return err
	})
	return bundles, err
}

// GetAppStorage returns the storage path of link's bundle, or "" when the
// bundle is unknown.
func (m *Model) GetAppStorage(ctx context.Context, link string) (string, error) {
	bundle, err := m.GetBundle(ctx, link)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return bundle.AppStorage, nil
}

// GetTags returns the tags of link's bundle. A missing bundle has no tags.
func (m *Model) GetTags(ctx context.Context, link string) ([]string, error) {
	bundle, err := m.GetBundle(ctx, link)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	if bundle.Tags == nil {
		return []string{}, nil
	}
	return bundle.Tags, nil
}

// GetPreset returns the preset stored for command on link's bundle.
func (m *Model) GetPreset(ctx context.Context, link, command string) (*Preset, error) {
	bundle, err := m.GetBundle(ctx, link)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(bundle.Presets, func(p Preset) bool { return p.Command == command })
	if i < 0 {
		return nil, ErrNotFound
	}
	p := bundle.Presets[i]
	return &p, nil
}

// AddBundle stores a bundle with the given storage path, replacing any
// existing bundle for the same origin.
func (m *Model) AddBundle(ctx context.Context, link, appStorage string) (*Bundle, error) {
	origin, err := sidecar.CanonicalOrigin(link)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{Link: origin, AppStorage: appStorage}
	err = m.update(ctx, "add_bundle", func(tx *metadb.Tx) error {
		return tx.Insert(collectionBundles, origin, bundle)
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// UpdateEncryptionKey sets the encryption key of an existing bundle.
func (m *Model) UpdateEncryptionKey(ctx context.Context, link string, key sidecar.EncryptionKey) (*Bundle, error) {
	return m.modifyBundle(ctx, "update_encryption_key", link, func(b *Bundle) {
		b.EncryptionKey = &key
	})
}

// UpdateTags replaces the tags of an existing bundle.
func (m *Model) UpdateTags(ctx context.Context, link string, tags []string) (*Bundle, error) {
	tags = slices.Clone(tags)
	return m.modifyBundle(ctx, "update_tags", link, func(b *Bundle) {
		b.Tags = tags
	})
}

// SetPreset stores flags for command on an existing bundle, replacing a
// preset for the same command.
func (m *Model) SetPreset(ctx context.Context, link, command string, flags []string) (*Bundle, error) {
	preset := Preset{Command: command, Flags: slices.Clone(flags)}
	return m.modifyBundle(ctx, "set_preset", link, func(b *Bundle) {
		b.Presets = slices.DeleteFunc(b.Presets, func(p Preset) bool { return p.Command == command })
		b.Presets = append(b.Presets, preset)
	})
}

// ResetPresets removes the preset for command from an existing bundle.
func (m *Model) ResetPresets(ctx context.Context, link, command string) (*Bundle, error) {
	return m.modifyBundle(ctx, "reset_presets", link, func(b *Bundle) {
		b.Presets = slices.DeleteFunc(b.Presets, func(p Preset) bool { return p.Command == command })
		if len(b.Presets) == 0 {
			b.Presets = nil
		}
	})
}

// UpdateAppStorage points an existing bundle at newPath and, in the same
// transaction, queues oldPath for garbage collection. An empty oldPath
// queues nothing.
func (m *Model) UpdateAppStorage(ctx context.Context, link, newPath, oldPath string) (*Bundle, error) {
	origin, err := sidecar.CanonicalOrigin(link)
	if err != nil {
		return nil, err
	}

	var bundle *Bundle
	err = m.update(ctx, "update_app_storage", func(tx *metadb.Tx) error {
		bundle, err = get[Bundle](tx, collectionBundles, origin)
		if err != nil {
			return err
		}
		bundle.AppStorage = newPath
		if err := tx.Insert(collectionBundles, origin, bundle); err != nil {
			return err
		}
		if oldPath == "" || oldPath == newPath {
			return nil
		}
		return tx.Insert(collectionGC, oldPath, GCEntry{Path: oldPath})
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// ShiftAppStorage hands the source bundle's storage to the destination.
// The destination's previous storage is queued for garbage collection and
// the source is pointed at newSrcAppStorage, which may be empty. Nothing is
// written unless both bundles exist.
func (m *Model) ShiftAppStorage(ctx context.Context, srcLink, dstLink, newSrcAppStorage string) (*ShiftResult, error) {
	srcOrigin, err := sidecar.CanonicalOrigin(srcLink)
	if err != nil {
		return nil, err
	}
	dstOrigin, err := sidecar.CanonicalOrigin(dstLink)
	if err != nil {
		return nil, err
	}
	if srcOrigin == dstOrigin {
		return nil, ErrShiftSelf
	}

	var result *ShiftResult
	err = m.update(ctx, "shift_app_storage", func(tx *metadb.Tx) error {
		src, err := get[Bundle](tx, collectionBundles, srcOrigin)
		if err != nil {
			return err
		}
		dst, err := get[Bundle](tx, collectionBundles, dstOrigin)
		if err != nil {
			return err
		}

		previous := dst.AppStorage
		dst.AppStorage = src.AppStorage
		src.AppStorage = newSrcAppStorage

		if err := tx.Insert(collectionBundles, dstOrigin, dst); err != nil {
			return err
		}
		if previous != "" && previous != dst.AppStorage {
			if err := tx.Insert(collectionGC, previous, GCEntry{Path: previous}); err != nil {
				return err
			}
		}
		if err := tx.Insert(collectionBundles, srcOrigin, src); err != nil {
			return err
		}

		result = &ShiftResult{Src: *src, Dst: *dst}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// modifyBundle is the read-modify-write used by single-field updates.
func (m *Model) modifyBundle(ctx context.Context, op, link string, modify func(b *Bundle)) (*Bundle, error) {
	origin, err := sidecar.CanonicalOrigin(link)
	if err != nil {
		return nil, err
	}

	var bundle *Bundle
	err = m.update(ctx, op, func(tx *metadb.Tx) error {
		bundle, err = get[Bundle](tx, collectionBundles, origin)
		if err != nil {
			return err
		}
		modify(bundle)
		return tx.Insert(collectionBundles, origin, bundle)
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}
