// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command semql starts the Aleutian SemQL API server.
//
// Aleutian SemQL resolves natural-language analytics questions against a
// curated ontology and compiles them into SQL:
//   - Alias-indexed entity resolution (exact, containment, approximate)
//   - Multi-turn clarification sessions with slot-level follow-ups
//   - Deterministic SQL compilation with canonical query paths
//   - Optional shadow comparison against an external path generator
//
// Usage:
//
//	go run ./cmd/semql serve
//	go run ./cmd/semql serve --port 9090 --ontology /etc/semql/ontology.yaml
//
// With the shadow generator enabled:
//
//	SHADOW_GENERATOR_API_KEY=... go run ./cmd/semql serve \
//	  --shadow-url http://localhost:8000 --shadow-sink divergence.jsonl
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/semql/health
//
//	# Submit an utterance
//	curl -X POST http://localhost:8080/v1/semql/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"session_id": "s1", "text": "按结算平台查收益额"}'
//
//	# Register a mapping (live, no restart)
//	curl -X POST http://localhost:8080/v1/semql/mappings \
//	  -H "Content-Type: application/json" \
//	  -d '{"key": "revenue", "label": "收益额", "role": "METRIC", "table": "t_revenue", "column": "amount", "source_id": "main"}'
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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSemQL/services/semql"
	"github.com/AleutianAI/AleutianSemQL/services/semql/executor"
	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
	"github.com/AleutianAI/AleutianSemQL/services/semql/session"
	"github.com/AleutianAI/AleutianSemQL/services/semql/shadow"
)

// serveOptions hold the flag values for the serve command.
type serveOptions struct {
	port         int
	metricsAddr  string
	ontologyPath string
	debug        bool
	traceStdout  bool

	idleTimeout        time.Duration
	maxClarifyAttempts int

	shadowURL     string
	shadowSink    string
	shadowWorkers int
}

func main() {
	root := &cobra.Command{
		Use:           "semql",
		Short:         "Aleutian SemQL semantic query server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SemQL API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 8080, "port to listen on")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9090", "address for the Prometheus /metrics endpoint (empty disables it)")
	cmd.Flags().StringVar(&opts.ontologyPath, "ontology", "ontology.yaml", "path to the YAML ontology store (created when missing)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging and Gin request logs")
	cmd.Flags().BoolVar(&opts.traceStdout, "trace-stdout", false, "export OTel spans to stdout")
	cmd.Flags().DurationVar(&opts.idleTimeout, "session-idle-timeout", session.DefaultIdleTimeout, "idle duration after which a session is abandoned")
	cmd.Flags().IntVar(&opts.maxClarifyAttempts, "max-clarify-attempts", session.DefaultMaxClarifyAttempts, "clarification attempts before a session is abandoned")
	cmd.Flags().StringVar(&opts.shadowURL, "shadow-url", "", "base URL of the external path generator (empty disables shadow mode)")
	cmd.Flags().StringVar(&opts.shadowSink, "shadow-sink", "semql_divergence.jsonl", "JSONL file receiving divergence samples")
	cmd.Flags().IntVar(&opts.shadowWorkers, "shadow-workers", 4, "shadow comparison worker count")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger := newLogger(opts.debug)
	slog.SetDefault(logger)

	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if opts.traceStdout {
		shutdown, err := setupStdoutTracing()
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
		defer shutdown()
	}

	store, err := ontology.NewFileStore(opts.ontologyPath, logger)
	if err != nil {
		return err
	}

	var pipeline *shadow.Pipeline
	if opts.shadowURL != "" {
		gen := shadow.NewHTTPGenerator(opts.shadowURL, os.Getenv("SHADOW_GENERATOR_API_KEY"))
		pipeline = shadow.NewPipeline(gen, shadow.NewJSONLSink(opts.shadowSink),
			shadow.WithWorkers(opts.shadowWorkers))
		logger.Info("shadow comparison enabled",
			slog.String("generator_url", opts.shadowURL),
			slog.String("sink", opts.shadowSink),
		)
	}

	svc, err := semql.NewService(ctx, semql.ServiceConfig{
		Store: store,
		Sessions: session.NewStore(
			session.WithIdleTimeout(opts.idleTimeout),
			session.WithMaxClarifyAttempts(opts.maxClarifyAttempts),
		),
		Pools:  executor.NewPoolManager(),
		Shadow: pipeline,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	if opts.debug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	semql.RegisterRoutes(v1, semql.NewHandlers(svc))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("SemQL server listening",
			slog.String("address", srv.Addr),
			slog.String("ontology", opts.ontologyPath),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Hot reload on external ontology file edits.
	g.Go(func() error {
		return svc.WatchReloads(ctx)
	})

	if opts.metricsAddr != "" {
		metricsSrv := &http.Server{Addr: opts.metricsAddr, Handler: metricsMux()}
		g.Go(func() error {
			logger.Info("metrics listening", slog.String("address", opts.metricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down SemQL server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// setupStdoutTracing installs a stdout span exporter and returns its
// shutdown hook.
func setupStdoutTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracer provider shutdown failed", slog.String("error", err.Error()))
		}
	}, nil
}
