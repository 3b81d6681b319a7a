package gc

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/sidecar/model"
)

// phaseScavengeAssets drops asset records whose path no longer exists.
func (m *Manager) phaseScavengeAssets(ctx context.Context, result *Result) {
	m.logger.Debug("phase: scavenge assets")

	removed, err := m.store.ScavengeAssets(ctx, func(path string) bool {
		ok, err := m.disk.Exists(path)
		if err != nil {
			// Unknown state keeps the record.
			m.logger.Warn("failed to check asset path", "path", path, "error", err)
			return true
		}
		return ok
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("scavenge assets: %v", err))
		m.logger.Error("failed to scavenge assets", "error", err)
		return
	}

	result.AssetsScavenged += removed
	if removed > 0 {
		m.logger.Debug("scavenged assets", "count", removed)
	}
}

// phaseCapacityEviction queues assets for collection, smallest key first,
// until the allocated total fits MaxAssetBytes.
func (m *Manager) phaseCapacityEviction(ctx context.Context, result *Result) {
	if m.config.MaxAssetBytes <= 0 {
		return
	}

	m.logger.Debug("phase: capacity eviction")

	assets, err := m.store.AllAssets(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list assets: %v", err))
		m.logger.Error("failed to list assets", "error", err)
		return
	}

	var total int64
	for _, asset := range assets {
		total += asset.BytesAllocated
	}

	if total <= m.config.MaxAssetBytes {
		m.logger.Debug("assets within capacity", "total_size", total, "max_size", m.config.MaxAssetBytes)
		return
	}

	m.logger.Info("assets over capacity, starting eviction",
		"total_size", total,
		"max_size", m.config.MaxAssetBytes,
		"bytes_to_free", total-m.config.MaxAssetBytes,
	)

	for total > m.config.MaxAssetBytes && result.AssetsEvicted < m.config.BatchSize {
		select {
		case <-ctx.Done():
			return
		default:
		}

		asset, err := m.store.GCFirstAsset(ctx)
		if errors.Is(err, model.ErrNotFound) {
			return
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict asset: %v", err))
			m.logger.Error("failed to evict asset", "error", err)
			return
		}

		total -= asset.BytesAllocated
		result.AssetsEvicted++

		m.logger.Debug("evicted asset",
			"link", asset.Link,
			"path", asset.Path,
			"bytes_allocated", asset.BytesAllocated,
		)
	}
}

// phaseCollectQueue deletes queued paths from disk and then from the queue.
// A path that fails to delete stays queued for the next run.
func (m *Manager) phaseCollectQueue(ctx context.Context, result *Result) {
	m.logger.Debug("phase: collect queue")

	entries, err := m.store.AllGC(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list gc queue: %v", err))
		m.logger.Error("failed to list gc queue", "error", err)
		return
	}

	processed := 0
	for _, entry := range entries {
		if processed >= m.config.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
		processed++

		size, err := m.disk.Size(ctx, entry.Path)
		if err != nil {
			m.logger.Debug("failed to size path", "path", entry.Path, "error", err)
		}

		if err := m.disk.Remove(ctx, entry.Path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("remove %s: %v", entry.Path, err))
			m.logger.Error("failed to remove path", "path", entry.Path, "error", err)
			continue
		}

		if err := m.store.RemoveGC(ctx, entry.Path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("dequeue %s: %v", entry.Path, err))
			m.logger.Error("failed to dequeue path", "path", entry.Path, "error", err)
			continue
		}

		result.PathsCollected++
		result.BytesReclaimed += size

		m.logger.Debug("collected path", "path", entry.Path, "size", size)
	}
}
