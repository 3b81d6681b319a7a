package model

import (
	"context"
	"errors"
	"slices"

	"github.com/wolfeidau/sidecar/store/metadb"
)

// AllGC returns the paths queued for garbage collection.
func (m *Model) AllGC(ctx context.Context) ([]GCEntry, error) {
	var entries []GCEntry
	err := m.view(ctx, "all_gc", func(tx *metadb.Tx) error {
		var err error
		entries, err = all[GCEntry](tx, collectionGC)
		return err
	})
	return entries, err
}

// RemoveGC drops path from the garbage collection queue once it has been
// deleted. Removing an unqueued path is not an error.
func (m *Model) RemoveGC(ctx context.Context, path string) error {
	return m.update(ctx, "remove_gc", func(tx *metadb.Tx) error {
		return tx.Delete(collectionGC, path)
	})
}

// GetDHTNodes returns the cached bootstrap peers, empty when none are set.
func (m *Model) GetDHTNodes(ctx context.Context) ([]DHTNode, error) {
	var nodes []DHTNode
	err := m.view(ctx, "get_dht_nodes", func(tx *metadb.Tx) error {
		rec, err := get[dhtRecord](tx, collectionDHT, singletonKey)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		nodes = rec.Nodes
		return nil
	})
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []DHTNode{}
	}
	return nodes, nil
}

// SetDHTNodes replaces the cached bootstrap peers.
func (m *Model) SetDHTNodes(ctx context.Context, nodes []DHTNode) error {
	rec := dhtRecord{Nodes: slices.Clone(nodes)}
	return m.update(ctx, "set_dht_nodes", func(tx *metadb.Tx) error {
		return tx.Insert(collectionDHT, singletonKey, rec)
	})
}

// GetManifest returns the schema manifest, or ErrNotFound when unset.
func (m *Model) GetManifest(ctx context.Context) (*Manifest, error) {
	var manifest *Manifest
	err := m.view(ctx, "get_manifest", func(tx *metadb.Tx) error {
		var err error
		manifest, err = get[Manifest](tx, collectionManifest, singletonKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// SetManifest replaces the schema manifest.
func (m *Model) SetManifest(ctx context.Context, version uint32) (*Manifest, error) {
	manifest := &Manifest{Version: version}
	err := m.update(ctx, "set_manifest", func(tx *metadb.Tx) error {
		return tx.Insert(collectionManifest, singletonKey, manifest)
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
