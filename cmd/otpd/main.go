package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/peppythegod/OTP-Reboot/internal/ca"
	"github.com/peppythegod/OTP-Reboot/internal/config"
	"github.com/peppythegod/OTP-Reboot/internal/md"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "etc/otpd.toml"
	if p := os.Getenv("OTPD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	var group errgroup.Group
	registries := prometheus.Gatherers{}

	var director *md.Director
	if cfg.MessageDirector.Enabled {
		mdMetrics := md.NewMetrics()
		director, err = md.New(cfg.MessageDirector, log, mdMetrics)
		if err != nil {
			return err
		}
		registries = append(registries, mdMetrics.Registry())
		group.Go(director.Serve)
		log.Info("message director up",
			zap.String("addr", director.Addr().String()))
	}

	var agent *ca.Agent
	if cfg.ClientAgent.Enabled {
		caMetrics := ca.NewMetrics()
		agent, err = ca.New(cfg.ClientAgent, log, caMetrics)
		if err != nil {
			if director != nil {
				director.Shutdown()
			}
			return err
		}
		registries = append(registries, caMetrics.Registry())
		group.Go(agent.Serve)
		log.Info("client agent up",
			zap.String("addr", agent.Addr().String()),
			zap.String("md", cfg.ClientAgent.MDAddress))
	}

	if director == nil && agent == nil {
		return errors.New("nothing enabled in config")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registries, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.BindAddress, Handler: mux}
		group.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		log.Info("metrics up", zap.String("addr", cfg.Metrics.BindAddress))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	waitCh := make(chan error, 1)
	go func() { waitCh <- group.Wait() }()
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-waitCh:
		if err != nil {
			log.Error("component failed, shutting down", zap.Error(err))
		}
	}

	if agent != nil {
		agent.Shutdown()
	}
	if director != nil {
		director.Shutdown()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	return group.Wait()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
