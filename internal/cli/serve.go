package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	transport "github.com/xiaot623/gogo/turnrouter/internal/transport/http"
	"github.com/xiaot623/gogo/turnrouter/internal/transport/rpc"
	"github.com/xiaot623/gogo/turnrouter/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and RPC servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root)
		},
	}
}

func serve(ctx context.Context, root *rootOptions) error {
	cfg := root.cfg
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	wsCfg := ws.DefaultConfig()
	wsCfg.APIKey = cfg.WSAPIKey
	wsServer := ws.NewServer(wsCfg, a.service, a.bus)

	external := transport.NewExternalServer(a.service, wsServer)
	internal := transport.NewInternalServer(a.service, a.policy, a.bus)

	var rpcServer *rpc.Server
	if cfg.RPCAddr != "" {
		if rpcServer, err = rpc.NewServer(a.service); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return startEcho(external, fmt.Sprintf(":%d", cfg.HTTPPort), "external")
	})
	g.Go(func() error {
		return startEcho(internal, fmt.Sprintf(":%d", cfg.InternalPort), "internal")
	})
	if rpcServer != nil {
		g.Go(func() error {
			log.Info().Str("addr", cfg.RPCAddr).Msg("rpc server started")
			return rpcServer.Start(cfg.RPCAddr)
		})
	}

	a.cache.StartEvictionLoop(gctx)
	if cfg.CleanupInterval > 0 {
		g.Go(func() error {
			a.service.RunRetentionMonitor(gctx, cfg.CleanupInterval)
			return nil
		})
	}
	if cfg.PolicyFile != "" {
		g.Go(func() error {
			if err := a.policy.Watch(gctx, cfg.PolicyFile); err != nil {
				log.Warn().Err(err).Msg("policy watcher stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down turn router...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := external.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown external server gracefully")
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown internal server gracefully")
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to shutdown rpc server gracefully")
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("turn router stopped")
	return err
}

func startEcho(e *echo.Echo, addr, name string) error {
	log.Info().Str("addr", addr).Msgf("%s API started", name)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
