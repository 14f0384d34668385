package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"forge/api/internal/config"
	"forge/api/internal/gitrepo"
	"forge/api/internal/objectstore"
	"forge/api/internal/preview"
	"forge/api/internal/proposal"
	"forge/api/internal/publish"
	"forge/api/internal/review"
	"forge/api/internal/scope"
	"forge/api/internal/search"
	"forge/api/internal/settings"
	"forge/api/internal/store"
	"forge/api/internal/trust"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const meiliHealthInterval = 30 * time.Second

// Runtime is the fully wired process: stores, pipeline and service.
type Runtime struct {
	Config     config.Config
	Store      *store.SQLStore
	Repository *review.Repository
	Trust      *trust.Resolver
	Pipeline   *publish.Pipeline
	Search     *search.Service
	Service    *Service

	closers []func()
}

// Build opens every backend named by cfg. Close releases them in reverse
// order, also when Build fails halfway.
func Build(ctx context.Context, cfg config.Config) (rt *Runtime, err error) {
	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if err := store.ApplyMigrations(ctx, db, dialect, store.MigrationsFrom(cfg.MigrationsDir)); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	rt.Store = store.NewSQLStore(db, dialect)

	settingsStore, err := rt.openSettings(cfg)
	if err != nil {
		return nil, err
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, meiliHealthInterval)
	}
	rt.Search = search.NewService(meiliClient, search.NewSQLFallback(rt.Store))
	rt.closers = append(rt.closers, rt.Search.Close)

	rt.Repository = review.NewRepository(rt.Store).WithIndexer(rt.Search)
	if meiliClient != nil && meiliClient.Healthy() {
		existing, err := rt.Repository.List(ctx, proposal.Filter{})
		if err != nil {
			log.Warn().Err(err).Msg("skip search reindex")
		} else {
			rt.Search.ReindexAll(existing)
		}
	}
	rt.Trust = trust.NewResolver(settingsStore, cfg.WorkspaceID)

	content, err := openContent(ctx, cfg)
	if err != nil {
		return nil, err
	}

	roots, err := scope.ParseRoots(cfg.ScopeRoots)
	if err != nil {
		return nil, fmt.Errorf("parse scope roots: %w", err)
	}

	rt.Pipeline = publish.New(publish.Deps{
		Guard:     scope.NewGuard(roots, cfg.ScopeOverrideHash),
		Content:   content,
		Pages:     rt.Store,
		Previews:  preview.NewFileStore(afero.NewOsFs(), cfg.PreviewStorePath, cfg.PreviewTTL),
		Proposals: rt.Repository,
		Trust:     rt.Trust,
	})

	rt.Service = New(Deps{
		Repository: rt.Repository,
		Pipeline:   rt.Pipeline,
		Trust:      rt.Trust,
		Search:     rt.Search,
		LegacyFS:   afero.NewOsFs(),
		LegacyPath: cfg.LegacyProposalsPath,
		APIToken:   cfg.APIToken,
	})
	return rt, nil
}

func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func openDatabase(ctx context.Context, cfg config.Config) (*sql.DB, store.Dialect, error) {
	if cfg.DatabaseDriver == "postgres" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("database connection failed: %w", err)
		}
		return db, store.DialectPostgres, nil
	}
	db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, "", fmt.Errorf("sqlite open failed: %w", err)
	}
	return db, store.DialectSQLite, nil
}

func (rt *Runtime) openSettings(cfg config.Config) (settings.Store, error) {
	if cfg.SettingsBackend != "redis" {
		return rt.Store, nil
	}
	log.Info().Msg("using redis for workspace settings")
	redisStore, err := settings.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	rt.closers = append(rt.closers, func() { _ = redisStore.Close() })
	return redisStore, nil
}

func openContent(ctx context.Context, cfg config.Config) (publish.ContentReader, error) {
	if cfg.ContentBackend == "minio" {
		source, err := objectstore.New(objectstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := source.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return source, nil
	}

	repo := gitrepo.New(cfg.ContentRepoDir, cfg.ContentBranch)
	if err := repo.EnsureRepo(); err != nil {
		return nil, fmt.Errorf("content repo: %w", err)
	}
	return repo, nil
}
