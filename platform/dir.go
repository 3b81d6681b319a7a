// Package platform owns the on-disk layout of the platform directory:
// asset directories, per-application storage and their removal.
package platform

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/sidecar"
)

// ErrOutsideRoot is returned when a path to remove is not under the root.
var ErrOutsideRoot = errors.New("platform: path outside platform directory")

const (
	assetsDir     = "assets"
	appStorageDir = "app-storage"
	byRandomDir   = "by-random"
	byDKeyDir     = "by-dkey"
)

// Dir is a platform directory rooted at an absolute path.
type Dir struct {
	root string
}

// New creates a platform directory rooted at the given path.
// The directory will be created if it does not exist.
func New(root string) (*Dir, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Dir{root: absRoot}, nil
}

// Root returns the root directory path.
func (d *Dir) Root() string {
	return d.root
}

// Assets returns the directory holding asset downloads.
func (d *Dir) Assets() string {
	return filepath.Join(d.root, assetsDir)
}

// NewAssetPath allocates a fresh asset location. The directory itself is not
// created.
func (d *Dir) NewAssetPath() (string, error) {
	name, err := randomName()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Assets(), name), nil
}

// NewAppStoragePath allocates fresh storage for an application with no key.
func (d *Dir) NewAppStoragePath() (string, error) {
	name, err := randomName()
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, appStorageDir, byRandomDir, name), nil
}

// StorageFromKey returns the deterministic storage location for a keyed
// application. It is derived from the discovery key so the application key
// itself never appears on disk.
func (d *Dir) StorageFromKey(key sidecar.Key) string {
	return filepath.Join(d.root, appStorageDir, byDKeyDir, key.DiscoveryKey().Hex())
}

// Contains reports whether path lies strictly under the root.
func (d *Dir) Contains(path string) bool {
	rel, err := filepath.Rel(d.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Exists checks if path exists.
func (d *Dir) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking path: %w", err)
}

// Remove deletes path and everything below it. Removing a missing path is
// not an error. Paths outside the root are refused.
func (d *Dir) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !d.Contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Size returns the total size in bytes of the regular files under path.
// A missing path has size 0.
func (d *Dir) Size(ctx context.Context, path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", path, err)
	}
	return total, nil
}

func randomName() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating name: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
