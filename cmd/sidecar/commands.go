package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wolfeidau/sidecar"
	"github.com/wolfeidau/sidecar/model"
	"github.com/wolfeidau/sidecar/release"
	"github.com/wolfeidau/sidecar/store/gc"
	"github.com/wolfeidau/sidecar/stream"
)

// DataCmd dumps one collection.
type DataCmd struct {
	Collection string `arg:"" enum:"bundles,assets,gc,dht,manifest" help:"Collection to dump (bundles, assets, gc, dht, manifest)."`
}

func (c *DataCmd) Run(g *Globals) error {
	ctx := context.Background()
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	var v any
	switch c.Collection {
	case "bundles":
		v, err = e.model.AllBundles(ctx)
	case "assets":
		v, err = e.model.AllAssets(ctx)
	case "gc":
		v, err = e.model.AllGC(ctx)
	case "dht":
		v, err = e.model.GetDHTNodes(ctx)
	case "manifest":
		v, err = e.model.GetManifest(ctx)
	}
	if err != nil {
		return err
	}
	return e.print(v)
}

// GCCmd runs the collector once.
type GCCmd struct{}

func (c *GCCmd) Run(g *Globals) error {
	ctx := context.Background()
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := gc.New(e.model, e.dir, gcConfig(e), gc.WithLogger(e.logger)).RunNow(ctx)
	if err != nil {
		return err
	}
	return e.print(result)
}

// ShiftCmd hands src's storage to dst.
type ShiftCmd struct {
	Src   string `arg:"" help:"Link of the app whose storage moves."`
	Dst   string `arg:"" help:"Link of the app receiving the storage."`
	Force bool   `help:"Replace storage the destination already has."`
}

func (c *ShiftCmd) Run(g *Globals) error {
	ctx := context.Background()
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	dst, err := e.model.GetBundle(ctx, c.Dst)
	if err != nil {
		return fmt.Errorf("destination %s: %w", c.Dst, err)
	}
	if dst.AppStorage != "" && !c.Force {
		exists, err := e.dir.Exists(dst.AppStorage)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("destination %s already has app storage, use --force to replace it", c.Dst)
		}
	}

	next, err := e.dir.NewAppStoragePath()
	if err != nil {
		return err
	}
	result, err := e.model.ShiftAppStorage(ctx, c.Src, c.Dst, next)
	if err != nil {
		return err
	}
	return e.print(result)
}

// DropCmd points an app at fresh storage and queues the old one.
type DropCmd struct {
	Link string `arg:"" help:"Link of the app."`
}

func (c *DropCmd) Run(g *Globals) error {
	ctx := context.Background()
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	old, err := e.model.GetAppStorage(ctx, c.Link)
	if err != nil {
		return err
	}
	next, err := e.dir.NewAppStoragePath()
	if err != nil {
		return err
	}
	bundle, err := e.model.UpdateAppStorage(ctx, c.Link, next, old)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("no app storage for %s", c.Link)
	}
	if err != nil {
		return err
	}
	return e.print(bundle)
}

// EncryptionKeyCmd stores the key used to open an encrypted app.
type EncryptionKeyCmd struct {
	Link string `arg:"" help:"Link of the app."`
	Key  string `arg:"" help:"Encryption key as 64 hex characters."`
}

func (c *EncryptionKeyCmd) Run(g *Globals) error {
	key, err := sidecar.ParseEncryptionKey(c.Key)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	bundle, err := e.model.UpdateEncryptionKey(ctx, c.Link, key)
	if errors.Is(err, model.ErrNotFound) {
		// Unknown apps get a bundle so the key is there on first run.
		if _, err := e.model.AddBundle(ctx, c.Link, ""); err != nil {
			return err
		}
		bundle, err = e.model.UpdateEncryptionKey(ctx, c.Link, key)
	}
	if err != nil {
		return err
	}
	return e.print(bundle)
}

// WatchCmd streams local change notifications for a project directory.
type WatchCmd struct {
	Dir string `arg:"" type:"existingdir" help:"Project directory to watch."`
}

func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := release.NewLocalWatcher(c.Dir,
		release.WithDebounce(cfg.Watch.Debounce),
		release.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	e := &env{cfg: cfg, logger: logger, out: g.output()}
	for {
		update, err := w.Next(ctx)
		if errors.Is(err, stream.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.print(update); err != nil {
			return err
		}
	}
}
