// Package toolbelt assembles the full tool catalog onto one dispatcher. The
// embedding agent runtime calls Invoke with a tool name and raw params and
// receives a result envelope back; everything in between (operation routing,
// validation, credentials, output governance) happens here.
package toolbelt

import (
	"context"
	"path/filepath"

	"github.com/effective-security/toolbelt/cache"
	"github.com/effective-security/toolbelt/chroot"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/tools/fileeditor"
	"github.com/effective-security/toolbelt/tools/gitrepo"
	"github.com/effective-security/toolbelt/tools/imapmail"
	"github.com/effective-security/toolbelt/tools/localmodel"
	"github.com/effective-security/toolbelt/tools/news"
	"github.com/effective-security/toolbelt/tools/randomness"
	"github.com/effective-security/toolbelt/tools/scholar"
	"github.com/effective-security/toolbelt/tools/sftpfs"
	"github.com/effective-security/toolbelt/tools/vessels"
	"github.com/effective-security/toolbelt/tools/weather"
	"github.com/effective-security/toolbelt/tools/webhookpost"
	"github.com/redis/go-redis/v9"
)

// Config selects the catalog's local workspace and storage backends.
type Config struct {
	// DataDir is the workspace base holding the files/ and sqlite3/ roots.
	DataDir string

	// S3Bucket backs the file editor with versioned object storage. Empty
	// keeps the in-memory store, which loses history on restart.
	S3Bucket string

	// RedisAddr backs remote response caching with a shared redis instance.
	// Empty keeps the per-process memory cache.
	RedisAddr string
}

// NewCatalog builds a dispatcher with every tool registered.
func NewCatalog(ctx context.Context, cfg Config) (*dispatch.Dispatcher, error) {
	d := dispatch.New()
	resolver := d.Resolver()

	files, err := chroot.New(filepath.Join(cfg.DataDir, chroot.Files))
	if err != nil {
		return nil, err
	}
	sqliteDir, err := chroot.New(filepath.Join(cfg.DataDir, chroot.SQLite))
	if err != nil {
		return nil, err
	}

	var store fileeditor.ObjectStore = fileeditor.NewMemoryStore()
	if cfg.S3Bucket != "" {
		store, err = fileeditor.NewS3Store(ctx, cfg.S3Bucket)
		if err != nil {
			return nil, err
		}
	}

	var responses cache.Cache = cache.NewMemoryCache()
	if cfg.RedisAddr != "" {
		responses = cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), "toolbelt")
	}

	registryPath, err := sqliteDir.Resolve("webhook_posts.db")
	if err != nil {
		return nil, err
	}
	registry, err := webhookpost.OpenRegistry(registryPath)
	if err != nil {
		return nil, err
	}

	handlers := []dispatch.Handler{
		fileeditor.New(store),
		webhookpost.New(registry),
		imapmail.New(resolver, files),
		news.New(resolver),
		scholar.New(),
		weather.New().WithCache(responses),
		vessels.New(),
		randomness.New(resolver),
		sftpfs.New(files),
		gitrepo.New(resolver),
		localmodel.New(resolver),
	}
	for _, h := range handlers {
		if err := d.Register(h); err != nil {
			return nil, err
		}
	}
	return d, nil
}
