// Command gateway is the PII-anonymizing reverse proxy for
// OpenAI-compatible chat completion APIs.
//
// Detected PII in request bodies is replaced with recoverable
// placeholders before the request leaves the gateway; originals are
// restored in the response, including streamed responses. An admin API
// on a separate port manages detection allowlists at runtime.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's
// net/http reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the
// environment.
//
// Usage:
//
//	./gateway
//
//	# Custom ports and upstream
//	GATEWAY_PORT=9090 GATEWAY_UPSTREAM_URL=https://api.example.com ./gateway
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pii-gateway/internal/anonymize"
	"pii-gateway/internal/cache"
	"pii-gateway/internal/config"
	"pii-gateway/internal/deanonymize"
	"pii-gateway/internal/detect"
	"pii-gateway/internal/logger"
	"pii-gateway/internal/management"
	"pii-gateway/internal/mapping"
	"pii-gateway/internal/metrics"
	"pii-gateway/internal/proxy"
	"pii-gateway/internal/quota"
	"pii-gateway/internal/secrets"
)

// syntheticCacheEntries bounds the synthetic value cache resident set.
const syntheticCacheEntries = 4096

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detectors, err := detect.NewProvider(cfg.AllowlistDir, cfg.CustomPatternPath, zlog)
	if err != nil {
		zlog.Fatal("detector registry", zap.Error(err))
	}
	if err := detectors.Watch(); err != nil {
		zlog.Warn("allowlist hot reload unavailable", zap.Error(err))
	}
	defer detectors.Close() //nolint:errcheck

	store, err := newMappingStore(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("mapping store", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	policy, err := anonymize.PresetPolicy(cfg.CompliancePreset)
	if err != nil {
		zlog.Fatal("compliance preset", zap.Error(err))
	}
	values, err := anonymize.NewValueCache(cfg.SyntheticCacheDB, syntheticCacheEntries, zlog)
	if err != nil {
		zlog.Fatal("synthetic value cache", zap.Error(err))
	}
	generator := anonymize.NewGenerator(cfg.SyntheticSeed, values)
	defer generator.Close() //nolint:errcheck

	scanner, err := secrets.NewScanner(cfg.SecretScanEnabled, cfg.CompliancePreset, zlog)
	if err != nil {
		zlog.Fatal("secret scanner", zap.Error(err))
	}

	limits, err := quota.LoadTenants(cfg.TenantConfigPath)
	if err != nil {
		zlog.Fatal("tenant config", zap.Error(err))
	}
	quotas := quota.NewManager(limits, cfg.RatePerMinute, cfg.RateLimitEnabled, zlog)

	var respCache *cache.Cache
	if cfg.CacheEnabled {
		respCache = cache.New(cfg.CacheMaxEntries, cfg.CacheTTL())
	}

	met := metrics.New()
	if mem, ok := store.(*mapping.MemoryStore); ok {
		met.ObserveMappingStore(
			func() float64 { return float64(mem.Len()) },
			func() float64 { return float64(mem.Expired()) },
		)
	}

	gw, err := proxy.New(proxy.Options{
		Config:       cfg,
		Log:          zlog,
		Detectors:    detectors,
		Anonymizer:   anonymize.New(policy, generator, zlog),
		Deanonymizer: deanonymize.New(cfg.FuzzyEnabled, cfg.FuzzyConfidenceThreshold, zlog),
		Scanner:      scanner,
		Mappings:     store,
		Quotas:       quotas,
		Cache:        respCache,
		Metrics:      met,
	})
	if err != nil {
		zlog.Fatal("gateway", zap.Error(err))
	}

	mainSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ListenPort),
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.AdminPort),
		Handler:           management.New(cfg, detectors, zlog).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info("gateway listening", zap.String("addr", mainSrv.Addr))
		if err := mainSrv.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		zlog.Info("admin api listening", zap.String("addr", adminSrv.Addr))
		if err := adminSrv.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zlog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mainSrv.Shutdown(shutdownCtx)  //nolint:errcheck
		adminSrv.Shutdown(shutdownCtx) //nolint:errcheck
		return nil
	})
	if err := g.Wait(); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
}

// newMappingStore picks the configured mapping backend. Redis serves
// multi-instance deployments; memory is the single-node default.
func newMappingStore(ctx context.Context, cfg *config.Config, zlog *zap.Logger) (mapping.Store, error) {
	if cfg.MappingStore == "redis" {
		return mapping.NewRedisStore(ctx, cfg.RedisAddr)
	}
	return mapping.NewMemoryStore(time.Minute, zlog), nil
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct — set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          PII Gateway  (Go)                           ║
╚══════════════════════════════════════════════════════╝
  Gateway port     : %d
  Admin port       : %d
  Upstream API     : %s
  Upstream proxy   : %s
  Mapping store    : %s
  Compliance       : %s
  Secret scanning  : %v

  Point OpenAI-compatible clients here:
    export OPENAI_BASE_URL=http://localhost:%d/v1

  Check status:
    curl http://localhost:%d/status
`, cfg.ListenPort, cfg.AdminPort,
		cfg.UpstreamURL, upstreamProxy,
		cfg.MappingStore, cfg.CompliancePreset, cfg.SecretScanEnabled,
		cfg.ListenPort, cfg.AdminPort)
}
