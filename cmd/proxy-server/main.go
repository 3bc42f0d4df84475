// Command proxy-server is a forward HTTP proxy with a blocklist and a
// permanent on-disk mirror of fetched pages.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/jnovack/proxy-server/pkg/admin"
	"github.com/jnovack/proxy-server/pkg/cache"
	"github.com/jnovack/proxy-server/pkg/config"
	"github.com/jnovack/proxy-server/pkg/filter"
	"github.com/jnovack/proxy-server/pkg/logging"
	"github.com/jnovack/proxy-server/pkg/proxy"
	"github.com/jnovack/proxy-server/pkg/resolver"
	"github.com/jnovack/proxy-server/pkg/signals"
	"github.com/jnovack/proxy-server/pkg/threadpool"
)

func main() {
	cfg, err := config.Parse("proxy-server", os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().Int("port", cfg.Port).Int("pool_size", cfg.PoolSize).Int("max_requests", cfg.MaxRequests).Msg("starting proxy-server")

	res := resolver.New()
	blocklist, err := filter.LoadFile(cfg.FilterFile, res)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.FilterFile).Msg("failed to load blocklist")
	}

	pool, err := threadpool.New(cfg.PoolSize, cfg.MaxPool)
	if err != nil {
		log.Fatal().Err(err).Int("pool_size", cfg.PoolSize).Msg("failed to create thread pool")
	}

	metrics := admin.NewMetrics()
	captures := admin.NewCaptureStore(1000)

	handler := proxy.NewHandler(res, blocklist, cache.New(cfg.CacheDir), cfg.OriginPort)
	handler.Metrics = metrics
	handler.Observer = captures.Observer(nil)

	srv := &proxy.Server{
		Addr:        cfg.ListenAddr(),
		Pool:        pool,
		Handler:     handler,
		MaxRequests: cfg.MaxRequests,
		Metrics:     metrics,
	}
	if _, err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("failed to open proxy listener")
	}

	ctx, cancel := context.WithCancel(signals.Setup(context.Background(), nil))
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Reaching the request limit ends the process.
		defer cancel()
		return srv.ListenAndServe(gctx)
	})

	if cfg.AdminAddr != "" {
		adminSrv := &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           admin.Router(admin.Options{Metrics: metrics, Captures: captures, Vars: cfg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.AdminAddr).Msg("admin HTTP starting")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin HTTP: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			return adminSrv.Shutdown(shutCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("proxy-server failed")
	}
	log.Info().Msg("proxy-server stopped")
}
