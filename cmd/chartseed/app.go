package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ehr/chartseed/internal/config"
	"github.com/ehr/chartseed/internal/domain/pipeline"
	"github.com/ehr/chartseed/internal/platform/db"
	"github.com/ehr/chartseed/internal/platform/document"
	"github.com/ehr/chartseed/internal/platform/fhirclient"
	"github.com/ehr/chartseed/internal/platform/idmap"
)

// mapFiles are the identifier map file names under DATA_DIR.
var mapFiles = map[idmap.Kind]string{
	idmap.KindPatient:  "patient_map.json",
	idmap.KindProvider: "provider_map.json",
	idmap.KindLocation: "location_map.json",
}

const codingMapFile = "coding_map.json"

// app holds the collaborators of a migration run.
type app struct {
	env     *pipeline.Env
	client  *fhirclient.Client
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	maps := make(map[idmap.Kind]*idmap.Map, len(mapFiles))
	for kind, name := range mapFiles {
		m, err := idmap.LoadMap(filepath.Join(cfg.DataDir, name))
		if err != nil {
			return nil, err
		}
		maps[kind] = m
		logger.Debug().Str("kind", string(kind)).Int("entries", m.Len()).Msg("identifier map loaded")
	}

	opts := []idmap.ResolverOption{
		idmap.WithPassthrough(idmap.KindProvider, cfg.BotProviderID, cfg.BotProviderKey),
		idmap.WithLogger(logger),
	}
	if cfg.LookupDatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.LookupDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			logger.Debug().Object("pool", db.GetPoolStats(pool)).Msg("patient lookup pool")
			pool.Close()
			return nil
		})
		opts = append(opts, idmap.WithLookup(idmap.NewPostgresLookup(pool)))
		logger.Info().Msg("patient lookup database connected")
	}

	coding, err := idmap.LoadCodingMap(filepath.Join(cfg.DataDir, codingMapFile))
	if err != nil {
		return nil, err
	}

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	encOpts := []document.Option{document.WithLogger(logger)}
	if cfg.HTMLRenderer != "" {
		encOpts = append(encOpts, document.WithRenderer(document.NewCommandRenderer(cfg.HTMLRenderer)))
	}
	if cfg.ScratchDir != "" {
		encOpts = append(encOpts, document.WithScratchDir(cfg.ScratchDir))
	}

	a.env = &pipeline.Env{
		Resolver:         idmap.NewResolver(maps, opts...),
		Coding:           coding,
		Encoder:          document.NewEncoder(store, encOpts...),
		BotKey:           cfg.BotProviderKey,
		IdentifierSystem: cfg.IdentifierSystem,
		Logger:           logger,
	}
	if cfg.FHIRBaseURL != "" {
		a.client = newClient(cfg, logger)
	}
	ok = true
	return a, nil
}

// newStore picks the attachment store: the GCS bucket when one is
// configured, DOCUMENTS_DIR otherwise.
func newStore(ctx context.Context, cfg *config.Config) (document.Store, func() error, error) {
	if cfg.DocumentsBucket == "" {
		return document.NewLocalStore(cfg.DocumentsDir), nil, nil
	}
	gcs, err := document.NewGCSStore(ctx, cfg.DocumentsBucket, cfg.DocumentsPrefix, cfg.GCSCredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	return gcs, gcs.Close, nil
}

func newClient(cfg *config.Config, logger zerolog.Logger) *fhirclient.Client {
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	tokens := fhirclient.NewClientCredentials(cfg.TokenURL(), cfg.ClientID, cfg.ClientSecret, hc)
	return fhirclient.NewClient(cfg.FHIRBaseURL, tokens,
		fhirclient.WithHTTPClient(hc),
		fhirclient.WithTimeout(cfg.HTTPTimeout),
		fhirclient.WithLogger(logger),
	)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
