package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"zuzalu/api/internal/app"
	"zuzalu/api/internal/chains"
	"zuzalu/api/internal/config"
	"zuzalu/api/internal/devnet"
	"zuzalu/api/internal/gitstore"
	"zuzalu/api/internal/logging"
	"zuzalu/api/internal/media"
	"zuzalu/api/internal/obs"
	"zuzalu/api/internal/search"
	"zuzalu/api/internal/session"
	"zuzalu/api/internal/store"
	"zuzalu/api/internal/threshold"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("startup_failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.Init()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations_applied", zap.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(db)

	var blockStore app.BlockStore = dataStore
	if cfg.BlockStore == "git" {
		if err := os.MkdirAll(cfg.BlocksDir, 0o755); err != nil {
			return fmt.Errorf("create blocks dir: %w", err)
		}
		objects, err := gitstore.Open(cfg.BlocksDir)
		if err != nil {
			return fmt.Errorf("open block repository: %w", err)
		}
		blockStore = objects
		logger.Info("block_store", zap.String("kind", "git"), zap.String("path", cfg.BlocksDir))
	}

	registry, err := chains.Load(cfg.ChainsFile)
	if err != nil {
		return err
	}

	pool, err := newDecryptionPool(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pool.Close(closeCtx)
	}()

	pgfts := search.NewPgFTS(db)
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts, logger.Named("search"))
	defer searchService.Wait()

	deps := app.Deps{
		Store:      dataStore,
		Blocks:     blockStore,
		Chains:     registry,
		Decryption: pool,
		Search:     searchService,
		Logger:     logger,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploads, err := media.Dial(ctx, media.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MediaPublicURL,
			MaxBytes:  cfg.MaxUploadBytes,
			Logger:    logger.Named("media"),
		})
		if err != nil {
			return err
		}
		deps.Media = uploads
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap_failed", zap.Error(err))
	}
	if err := search.StartReindexScheduler(ctx, service, cfg.ReindexCron, logger.Named("reindex")); err != nil {
		return err
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown_error", zap.Error(err))
	}
	logger.Info("stopped")
	return nil
}

// newDecryptionPool wires the development network and the credential cache into
// a per-chain client pool. Sessions belong to readers, so clients carry no wallet.
func newDecryptionPool(ctx context.Context, cfg config.Config, registry *chains.Registry, logger *zap.Logger) (*threshold.Pool, error) {
	key, err := masterKey(cfg.MasterKey, logger)
	if err != nil {
		return nil, err
	}
	network, err := devnet.New(ctx, chains.NewRPCReader(registry, cfg.RPCTimeout), devnet.Config{
		MasterKey:     key,
		SigningSecret: []byte(cfg.SigningSecret),
		NonceChain:    cfg.NonceChain,
		Domain:        cfg.Domain,
		Logger:        logger.Named("devnet"),
	})
	if err != nil {
		return nil, err
	}

	var cache threshold.CredentialCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		cache = redisStore
	}

	return threshold.NewPool(func(chain string) (*threshold.Client, error) {
		c, ok := registry.Lookup(chain)
		if !ok {
			return nil, fmt.Errorf("unknown chain %q", chain)
		}
		return threshold.NewClient(network, nil, threshold.Options{
			Chain:       c.Identifier,
			ChainID:     c.ChainID,
			Domain:      cfg.Domain,
			SessionTTL:  cfg.SessionTTL,
			CallTimeout: cfg.CallTimeout,
			Cache:       cache,
			Logger:      logger.Named("threshold").With(zap.String("chain", c.Identifier)),
		}), nil
	}), nil
}

// masterKey decodes the hex network key. Without one a random key is used and
// every envelope becomes unreadable after restart.
func masterKey(raw string, logger *zap.Logger) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		logger.Warn("devnet_ephemeral_master_key")
		return key, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return key, nil
}
