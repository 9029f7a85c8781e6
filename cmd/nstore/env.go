package main

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/kk-code-lab/nstore/internal/config"
	"github.com/kk-code-lab/nstore/internal/logging"
	"github.com/kk-code-lab/nstore/internal/meta"
	"github.com/kk-code-lab/nstore/internal/metrics"
	"github.com/kk-code-lab/nstore/internal/store"
)

// env carries settings shared by all commands.
type env struct {
	cfg     *config.Config
	storage config.Storage
	userID  string
	jsonOut bool

	meta     *meta.Store
	registry *store.Registry
	lock     *storeLock
}

func loadEnv(c *cli.Context) (*env, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, c.App.ErrWriter)
	if cfg.DataDir == "" {
		return nil, ErrDataDirRequired
	}
	storage, err := cfg.Storage.Parse()
	if err != nil {
		return nil, err
	}
	metrics.Register()
	return &env{
		cfg:     cfg,
		storage: storage,
		userID:  c.String("user"),
		jsonOut: c.Bool("json"),
	}, nil
}

// userRoot returns the store folder of the selected user.
func (e *env) userRoot() (string, error) {
	if e.userID == "" {
		return "", ErrUserRequired
	}
	if filepath.Base(e.userID) != e.userID || e.userID == "." || e.userID == ".." {
		return "", errors.Wrapf(ErrBadUser, "%q", e.userID)
	}
	return filepath.Join(e.cfg.DataDir, e.userID), nil
}

func (e *env) metaPath() string {
	if e.cfg.Meta.Path != "" {
		return e.cfg.Meta.Path
	}
	return filepath.Join(e.cfg.DataDir, "meta.db")
}

func (e *env) openMeta() (*meta.Store, error) {
	if e.meta != nil {
		return e.meta, nil
	}
	path := e.metaPath()
	if path == "" {
		return nil, ErrMetaPathRequired
	}
	m, err := meta.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open meta db")
	}
	e.meta = m
	return m, nil
}

// openStore opens the store of the selected user with events going to the
// meta database.
func (e *env) openStore() (*store.Store, error) {
	if e.userID == "" {
		return nil, ErrUserRequired
	}
	m, err := e.openMeta()
	if err != nil {
		return nil, err
	}
	if e.registry == nil {
		e.registry = store.NewRegistry(e.cfg.DataDir, store.Options{
			Quota:             e.storage.Quota,
			WriteBuffer:       int(e.storage.WriteBuffer),
			UploadRate:        e.storage.UploadRate,
			FileCacheWindow:   e.storage.FileCacheWindow,
			StatusCacheWindow: e.storage.StatusCacheWindow,
			Events:            m,
		})
	}
	return e.registry.Get(e.userID)
}

// lockStore takes the writer lock of the selected user store until Close.
func (e *env) lockStore(command string) error {
	root, err := e.userRoot()
	if err != nil {
		return err
	}
	l, err := acquireStoreLock(root, command)
	if err != nil {
		return err
	}
	e.lock = l
	return nil
}

func (e *env) Close() error {
	var first error
	if e.registry != nil {
		first = e.registry.Close()
	}
	if e.meta != nil {
		if err := e.meta.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.lock.Release()
	return first
}

// withEnv wraps a command action with env setup and teardown.
func withEnv(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := loadEnv(c)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(c, e)
	}
}
