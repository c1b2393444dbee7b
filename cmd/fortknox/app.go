package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fortknox/internal/compile"
	"fortknox/internal/config"
	"fortknox/internal/content"
	"fortknox/internal/extract"
	"fortknox/internal/gate"
	"fortknox/internal/lease"
	"fortknox/internal/logger"
	"fortknox/internal/metrics"
	"fortknox/internal/remote"
	"fortknox/internal/reportstore"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	items     *content.MemoryStore
	sanitizer *content.Sanitizer
	store     reportstore.Store
	remote    remote.Client
	compile   *compile.Service
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return wire(cfg)
}

func wire(cfg *config.Config) (*app, error) {
	rules, err := cfg.Ruleset()
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	store, err := reportstore.Open(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open report store: %w", err)
	}
	client, err := remote.New(cfg.RemoteOptions(), logger.New("remote", cfg.LogLevel))
	if err != nil {
		store.Close() //nolint:errcheck // already failing
		return nil, err
	}

	items := content.NewMemoryStore()
	a := &app{
		cfg:       cfg,
		log:       logger.New("fortknox", cfg.LogLevel),
		metrics:   m,
		items:     items,
		sanitizer: content.NewSanitizer(items, rules, cfg.Concurrency, logger.New("sanitize", cfg.LogLevel), m),
		store:     store,
		remote:    client,
	}
	a.compile = compile.New(compile.Deps{
		Source:   items,
		Policies: cfg.PolicySet(),
		Checker:  gate.NewChecker(rules, logger.New("gate", cfg.LogLevel)),
		Store:    store,
		Leases:   lease.New(cfg.LeaseTTL(), cfg.LeaseMode(), m),
		Remote:   client,
		Metrics:  m,
		Log:      logger.New("compile", cfg.LogLevel),
		ReIDSpan: cfg.ReIDSpan,
	})
	return a, nil
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.log.Sync())
}

// ingest loads files into the item store, extracting visible text from
// HTML. Item ids are the file base names.
func (a *app) ingest(paths []string) ([]string, error) {
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p) // #nosec G304 -- paths are operator-supplied CLI arguments
		if err != nil {
			return nil, err
		}
		raw := string(b)
		switch strings.ToLower(filepath.Ext(p)) {
		case ".html", ".htm":
			if raw, err = extract.HTML(strings.NewReader(raw)); err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
		}
		id := filepath.Base(p)
		a.items.Put(id, content.KindDocument, raw, content.Restrictions{AIAllowed: true, ExportAllowed: true})
		ids = append(ids, id)
	}
	return ids, nil
}

// sanitizeAll sanitizes ids and returns the results in input order.
func (a *app) sanitizeAll(ctx context.Context, ids []string) ([]content.Result, error) {
	return a.sanitizer.SanitizeAll(ctx, ids)
}
