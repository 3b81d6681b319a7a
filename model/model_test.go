package model

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/sidecar"
	"github.com/wolfeidau/sidecar/platform"
	"github.com/wolfeidau/sidecar/store/txlock"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	root := t.TempDir()
	dir, err := platform.New(root)
	require.NoError(t, err)

	m, err := Open(filepath.Join(root, "db", "metadata.db"), WithPlatform(dir), WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testLink(b byte) string {
	var k sidecar.Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return "pear://" + k.String()
}

func testKeyHexLink(b byte) string {
	var k sidecar.Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return "pear://" + k.Hex()
}

func TestModel_Bundles(t *testing.T) {
	ctx := context.Background()

	t.Run("AddBundle then GetBundle with another link form", func(t *testing.T) {
		m := newTestModel(t)

		added, err := m.AddBundle(ctx, testLink(1)+"/some/path", "/storage/a")
		require.NoError(t, err)
		assert.Equal(t, testLink(1), added.Link)

		got, err := m.GetBundle(ctx, testKeyHexLink(1))
		require.NoError(t, err)
		assert.Equal(t, added, got)
		assert.Nil(t, got.EncryptionKey)
		assert.Empty(t, got.Tags)
	})

	t.Run("GetBundle missing", func(t *testing.T) {
		m := newTestModel(t)

		got, err := m.GetBundle(ctx, testLink(2))
		require.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, got)
	})

	t.Run("AddBundle overwrites", func(t *testing.T) {
		m := newTestModel(t)

		_, err := m.AddBundle(ctx, testLink(1), "/a")
		require.NoError(t, err)
		_, err = m.UpdateTags(ctx, testLink(1), []string{"x"})
		require.NoError(t, err)
		_, err = m.AddBundle(ctx, testLink(1), "/b")
		require.NoError(t, err)

		got, err := m.GetBundle(ctx, testLink(1))
		require.NoError(t, err)
		assert.Equal(t, "/b", got.AppStorage)
		assert.Empty(t, got.Tags, "full record replace")

		bundles, err := m.AllBundles(ctx)
		require.NoError(t, err)
		assert.Len(t, bundles, 1)
	})

	t.Run("invalid link", func(t *testing.T) {
		m := newTestModel(t)

		_, err := m.AddBundle(ctx, "nope://x", "/a")
		require.ErrorIs(t, err, sidecar.ErrInvalidLink)
		_, err = m.GetBundle(ctx, "")
		require.ErrorIs(t, err, sidecar.ErrInvalidLink)
	})

	t.Run("GetAppStorage", func(t *testing.T) {
		m := newTestModel(t)

		path, err := m.GetAppStorage(ctx, testLink(3))
		require.NoError(t, err)
		assert.Empty(t, path)

		_, err = m.AddBundle(ctx, testLink(3), "/s")
		require.NoError(t, err)
		path, err = m.GetAppStorage(ctx, testLink(3))
		require.NoError(t, err)
		assert.Equal(t, "/s", path)
	})
}

func TestModel_UpdateEncryptionKey(t *testing.T) {
	ctx := context.Background()
	key, err := sidecar.ParseEncryptionKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	t.Run("missing bundle is not created", func(t *testing.T) {
		m := newTestModel(t)

		got, err := m.UpdateEncryptionKey(ctx, testLink(1), key)
		require.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, got)

		_, err = m.GetBundle(ctx, testLink(1))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("preserves other fields", func(t *testing.T) {
		m := newTestModel(t)

		_, err := m.AddBundle(ctx, testLink(1), "/a")
		require.NoError(t, err)
		_, err = m.UpdateTags(ctx, testLink(1), []string{"t"})
		require.NoError(t, err)

		got, err := m.UpdateEncryptionKey(ctx, testLink(1), key)
		require.NoError(t, err)
		require.NotNil(t, got.EncryptionKey)
		assert.Equal(t, key, *got.EncryptionKey)

		stored, err := m.GetBundle(ctx, testLink(1))
		require.NoError(t, err)
		assert.Equal(t, "/a", stored.AppStorage)
		assert.Equal(t, []string{"t"}, stored.Tags)
		assert.Equal(t, key, *stored.EncryptionKey)
	})
}

func TestModel_UpdateAppStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("pairs storage update with gc entry", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.AddBundle(ctx, testLink(1), "/old")
		require.NoError(t, err)

		got, err := m.UpdateAppStorage(ctx, testLink(1), "/new", "/old")
		require.NoError(t, err)
		assert.Equal(t, "/new", got.AppStorage)

		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, []GCEntry{{Path: "/old"}}, gc)
	})

	t.Run("missing bundle writes nothing", func(t *testing.T) {
		m := newTestModel(t)

		_, err := m.UpdateAppStorage(ctx, testLink(1), "/new", "/old")
		require.ErrorIs(t, err, ErrNotFound)

		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Empty(t, gc)
	})

	t.Run("empty old path queues nothing", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.AddBundle(ctx, testLink(1), "/old")
		require.NoError(t, err)

		_, err = m.UpdateAppStorage(ctx, testLink(1), "/new", "")
		require.NoError(t, err)

		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Empty(t, gc)
	})
}

func TestModel_ShiftAppStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("moves storage and queues destination's previous path", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.AddBundle(ctx, testLink(1), "/src")
		require.NoError(t, err)
		_, err = m.AddBundle(ctx, testLink(2), "/dst")
		require.NoError(t, err)

		res, err := m.ShiftAppStorage(ctx, testLink(1), testLink(2), "/fresh")
		require.NoError(t, err)
		assert.Equal(t, "/fresh", res.Src.AppStorage)
		assert.Equal(t, "/src", res.Dst.AppStorage)

		src, err := m.GetBundle(ctx, testLink(1))
		require.NoError(t, err)
		assert.Equal(t, "/fresh", src.AppStorage)
		dst, err := m.GetBundle(ctx, testLink(2))
		require.NoError(t, err)
		assert.Equal(t, "/src", dst.AppStorage)

		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Equal(t, []GCEntry{{Path: "/dst"}}, gc)
	})

	t.Run("missing bundle aborts without writes", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.AddBundle(ctx, testLink(1), "/src")
		require.NoError(t, err)

		res, err := m.ShiftAppStorage(ctx, testLink(1), testLink(2), "")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, res)

		res, err = m.ShiftAppStorage(ctx, testLink(2), testLink(1), "")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, res)

		src, err := m.GetBundle(ctx, testLink(1))
		require.NoError(t, err)
		assert.Equal(t, "/src", src.AppStorage)
		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Empty(t, gc)
	})

	t.Run("empty new source storage", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.AddBundle(ctx, testLink(1), "/src")
		require.NoError(t, err)
		_, err = m.AddBundle(ctx, testLink(2), "")
		require.NoError(t, err)

		res, err := m.ShiftAppStorage(ctx, testLink(1), testLink(2), "")
		require.NoError(t, err)
		assert.Empty(t, res.Src.AppStorage)
		assert.Equal(t, "/src", res.Dst.AppStorage)

		gc, err := m.AllGC(ctx)
		require.NoError(t, err)
		assert.Empty(t, gc, "no previous destination path to queue")
	})

	t.Run("same bundle", func(t *testing.T) {
		m := newTestModel(t)
		_, err := m.ShiftAppStorage(ctx, testLink(1), testKeyHexLink(1), "")
		require.ErrorIs(t, err, ErrShiftSelf)
	})
}

func TestModel_TouchAsset(t *testing.T) {
	ctx := context.Background()

	t.Run("get or create", func(t *testing.T) {
		m := newTestModel(t)
		link := testLink(1) + "/ui"

		first, err := m.TouchAsset(ctx, link)
		require.NoError(t, err)
		assert.True(t, first.Inserted)
		assert.Equal(t, m.Platform().Assets(), filepath.Dir(first.Path))

		second, err := m.TouchAsset(ctx, link)
		require.NoError(t, err)
		assert.False(t, second.Inserted)
		assert.Equal(t, first.Path, second.Path)

		stored, err := m.GetAsset(ctx, link)
		require.NoError(t, err)
		assert.False(t, stored.Inserted, "inserted flag is not persisted")
	})

	t.Run("pinned checkouts are distinct", func(t *testing.T) {
		m := newTestModel(t)
		k := testLink(1)[len("pear://"):]

		a, err := m.TouchAsset(ctx, "pear://0.10."+k)
		require.NoError(t, err)
		b, err := m.TouchAsset(ctx, "pear://0.11."+k)
		require.NoError(t, err)
		assert.NotEqual(t, a.Path, b.Path)
	})

	t.Run("concurrent callers create once", func(t *testing.T) {
		m := newTestModel(t)
		link := testLink(7)

		var wg sync.WaitGroup
		results := make([]*Asset, 20)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a, err := m.TouchAsset(ctx, link)
				assert.NoError(t, err)
				results[i] = a
			}()
		}
		wg.Wait()

		inserted := 0
		for _, a := range results {
			require.NotNil(t, a)
			assert.Equal(t, results[0].Path, a.Path)
			if a.Inserted {
				inserted++
			}
		}
		assert.Equal(t, 1, inserted)

		assets, err := m.AllAssets(ctx)
		require.NoError(t, err)
		assert.Len(t, assets, 1)
	})
}

func TestModel_AssetCapacity(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	a, err := m.TouchAsset(ctx, testLink(1))
	require.NoError(t, err)
	b, err := m.TouchAsset(ctx, testLink(2))
	require.NoError(t, err)

	updated, err := m.UpdateAssetBytesAllocated(ctx, testLink(1), 4096)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, updated.BytesAllocated)

	_, err = m.UpdateAssetBytesAllocated(ctx, testLink(9), 1)
	require.ErrorIs(t, err, ErrNotFound)

	assets, err := m.AllAssets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	firstKey := assets[0].Link

	evicted, err := m.GCFirstAsset(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstKey, evicted.Link)

	gc, err := m.AllGC(ctx)
	require.NoError(t, err)
	assert.Equal(t, []GCEntry{{Path: evicted.Path}}, gc)

	// Scavenge the remaining asset, whose directory was never created.
	removed, err := m.ScavengeAssets(ctx, func(path string) bool {
		return path != a.Path && path != b.Path
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.GCFirstAsset(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.RemoveGC(ctx, evicted.Path))
	require.NoError(t, m.RemoveGC(ctx, evicted.Path))
	gc, err = m.AllGC(ctx)
	require.NoError(t, err)
	assert.Empty(t, gc)
}

func TestModel_Tags(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	tags, err := m.GetTags(ctx, testLink(1))
	require.NoError(t, err)
	assert.Equal(t, []string{}, tags)

	_, err = m.UpdateTags(ctx, testLink(1), []string{"a"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.AddBundle(ctx, testLink(1), "/a")
	require.NoError(t, err)
	_, err = m.UpdateTags(ctx, testLink(1), []string{"a", "b"})
	require.NoError(t, err)

	tags, err = m.GetTags(ctx, testLink(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)
}

func TestModel_Presets(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	_, err := m.SetPreset(ctx, testLink(1), "run", []string{"--dev"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.AddBundle(ctx, testLink(1), "/a")
	require.NoError(t, err)

	_, err = m.GetPreset(ctx, testLink(1), "run")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = m.SetPreset(ctx, testLink(1), "run", []string{"--dev"})
	require.NoError(t, err)
	_, err = m.SetPreset(ctx, testLink(1), "run", []string{"--dev", "--no-ask"})
	require.NoError(t, err)
	_, err = m.SetPreset(ctx, testLink(1), "stage", []string{"--dry-run"})
	require.NoError(t, err)

	p, err := m.GetPreset(ctx, testLink(1), "run")
	require.NoError(t, err)
	assert.Equal(t, []string{"--dev", "--no-ask"}, p.Flags)

	b, err := m.ResetPresets(ctx, testLink(1), "run")
	require.NoError(t, err)
	assert.Equal(t, []Preset{{Command: "stage", Flags: []string{"--dry-run"}}}, b.Presets)

	_, err = m.GetPreset(ctx, testLink(1), "run")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestModel_Singletons(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	nodes, err := m.GetDHTNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DHTNode{}, nodes)

	require.NoError(t, m.SetDHTNodes(ctx, []DHTNode{{Host: "1.2.3.4", Port: 49737}, {Host: "5.6.7.8", Port: 1}}))
	require.NoError(t, m.SetDHTNodes(ctx, []DHTNode{{Host: "9.9.9.9", Port: 2}}))
	nodes, err = m.GetDHTNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []DHTNode{{Host: "9.9.9.9", Port: 2}}, nodes)

	_, err = m.GetManifest(ctx)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.SetManifest(ctx, 3)
	require.NoError(t, err)
	manifest, err := m.GetManifest(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, manifest.Version)
}

func TestModel_Trusted(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	ok, err := m.Trusted(ctx, "pear://keet")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Trusted(ctx, "pear://"+sidecar.Aliases["runtime"].String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Trusted(ctx, testLink(1))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.AddBundle(ctx, testLink(1), "/a")
	require.NoError(t, err)
	ok, err = m.Trusted(ctx, testLink(1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestModel_ManualSession(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	tok, err := m.Lock().Manual(ctx)
	require.NoError(t, err)
	sctx := tok.Context(ctx)

	_, err = m.AddBundle(sctx, testLink(1), "/a")
	require.NoError(t, err)
	asset, err := m.TouchAsset(sctx, testLink(1))
	require.NoError(t, err)
	assert.True(t, asset.Inserted)

	// Reads outside the session see the committed state only.
	_, err = m.GetBundle(ctx, testLink(1))
	require.ErrorIs(t, err, ErrNotFound)

	// A writer outside the session waits for the release.
	done := make(chan error, 1)
	go func() {
		_, err := m.AddBundle(ctx, testLink(2), "/b")
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("writer ran during manual session")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, tok.Release())
	require.NoError(t, <-done)

	_, err = m.GetBundle(ctx, testLink(1))
	require.NoError(t, err)
	_, err = m.GetBundle(ctx, testLink(2))
	require.NoError(t, err)
	require.ErrorIs(t, tok.Release(), txlock.ErrReleased)
}

func TestModel_ManualSessionFailedWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	_, err := m.AddBundle(ctx, testLink(1), "/old")
	require.NoError(t, err)

	tok, err := m.Lock().Manual(ctx)
	require.NoError(t, err)
	sctx := tok.Context(ctx)

	require.NoError(t, m.SetDHTNodes(sctx, []DHTNode{{Host: "10.0.0.1", Port: 49737}}))

	// The bundle write succeeds, then the GC key exceeds bbolt's key limit.
	oversized := "/" + strings.Repeat("x", 40000)
	_, err = m.UpdateAppStorage(sctx, testLink(1), "/new", oversized)
	require.Error(t, err)

	_, err = m.AddBundle(sctx, testLink(2), "/b")
	require.ErrorIs(t, err, txlock.ErrSessionFailed)

	require.ErrorIs(t, tok.Release(), txlock.ErrSessionFailed)

	bundle, err := m.GetBundle(ctx, testLink(1))
	require.NoError(t, err)
	assert.Equal(t, "/old", bundle.AppStorage)

	entries, err := m.AllGC(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	nodes, err := m.GetDHTNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes, "earlier writes in the session are rolled back too")

	// The lock is free again.
	_, err = m.AddBundle(ctx, testLink(2), "/b")
	require.NoError(t, err)
}

func TestModel_Close(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.AddBundle(ctx, testLink(1), "/a")
	require.ErrorIs(t, err, txlock.ErrClosed)
}

func TestModel_Reopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	path := filepath.Join(root, "metadata.db")

	m, err := Open(path)
	require.NoError(t, err)
	_, err = m.AddBundle(ctx, testLink(1), "/persisted")
	require.NoError(t, err)
	asset, err := m.TouchAsset(ctx, testLink(1))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "assets"), filepath.Dir(asset.Path))
	require.NoError(t, m.Close())

	m, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	got, err := m.GetBundle(ctx, testLink(1))
	require.NoError(t, err)
	assert.Equal(t, "/persisted", got.AppStorage)
}
