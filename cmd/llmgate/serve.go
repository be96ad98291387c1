package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/internal/admin"
	"github.com/hardik936/llmgate/meter"
	"github.com/hardik936/llmgate/provider/mock"
	"github.com/hardik936/llmgate/provider/openaicompat"
)

var (
	serveMock  bool
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the llmgate server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMock, "mock", false, "answer every provider with an in-process mock")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := llmgate.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	call, err := callFunc(cfg)
	if err != nil {
		return err
	}

	pm := meter.NewPrometheusMeter()
	om, err := meter.NewOtelMeter(otel.GetMeterProvider().Meter("llmgate"))
	if err != nil {
		return fmt.Errorf("otel meter: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch, err := llmgate.New(cfg, call,
		llmgate.WithLogger(logger),
		llmgate.WithMeter(meter.Multi{pm, om, meter.NewLogMeter(logger)}),
		llmgate.WithTracer(otel.Tracer("llmgate")),
	)
	if err != nil {
		return err
	}
	defer orch.Close()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: admin.NewRouter(admin.RouterDeps{
			Status:  orch,
			Caller:  orch,
			Metrics: pm.Handler(),
			Logger:  logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Server.Addr, "providers", len(cfg.Providers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// callFunc builds the provider transport. Every configured provider needs a
// base_url unless --mock is set.
func callFunc(cfg llmgate.Config) (llmgate.CallFunc, error) {
	if serveMock {
		ps := make([]*mock.Provider, 0, len(cfg.Providers))
		for _, p := range cfg.Providers {
			ps = append(ps, mock.New(mock.WithName(p.Name), mock.WithLatency(p.LatencyEstimate)))
		}
		return mock.NewSet(ps...).Call, nil
	}

	opts := make([]openaicompat.Option, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.BaseURL == "" {
			return nil, &llmgate.ConfigError{Field: "providers." + p.Name + ".base_url", Reason: "is required unless --mock is set"}
		}
		opts = append(opts, openaicompat.WithEndpoint(p.Name, openaicompat.Endpoint{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Model:   p.Model,
		}))
	}
	return openaicompat.New(opts...).Call, nil
}
