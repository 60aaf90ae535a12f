package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/metrics"
	"github.com/warp/points-ledger/ratelimit"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "HTTP server port (overrides server.port)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and maintenance scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		a.cfg.Server.Port = port
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	svc := a.service(ledger.WithObserver(collector))

	limiter, err := a.newLimiter(a.cfg.RateLimit)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.NewHandler(svc, a.log.WithField("component", "api")), api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Limiter:        limiter,
		Metrics:        collector,
		Health:         a.store,
	})

	var sched *api.Scheduler
	if a.cfg.Scheduler.Enabled {
		sched, err = api.NewScheduler(svc, a.cfg.Scheduler, a.log, collector)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		sched.Start()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: a.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  a.cfg.Server.ReadTimeout.Duration * 4,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.WithField("addr", server.Addr).Info("points ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		a.log.WithField("signal", sig.String()).Info("shutting down")
	}

	if sched != nil {
		sched.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

func (a *app) newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	policy := ratelimit.Policy{Limit: cfg.Limit, Window: cfg.Window.Duration}
	if cfg.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, client)
		l, err := ratelimit.NewRedis(client, policy, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := ratelimit.NewMemory(policy)
	if err != nil {
		return nil, err
	}
	return l, nil
}
