package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	profiler "github.com/fllarpy/request-profiler"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

type serveOptions struct {
	addr    string
	otel    bool
	service string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo service with the profiler and its query API mounted",
		Long: `Runs a small HTTP service whose routes are profiled and mounts the query
API under /<endpoint_root>. With --otel the routes are instrumented with
OpenTelemetry instead and spans are bridged into the profiler.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&opts.otel, "otel", false, "record through OpenTelemetry spans instead of wrapping handlers")
	cmd.Flags().StringVar(&opts.service, "service", "profiled-service", "service name reported on spans")
	return cmd
}

// app is the demo service. Every dependency it reaches is instrumented one
// way or the other depending on --otel.
type app struct {
	db     *sql.DB
	client *http.Client
	self   string
}

func runServe(ctx context.Context, root *rootOptions, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := root.load()
	if err != nil {
		return err
	}
	cfg.Enabled = true

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Flush(log)

	p, err := profiler.New(cfg, profiler.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer p.Close()

	a := &app{self: selfURL(opts.addr)}
	wrap := func(pattern string, h http.Handler) http.Handler { return p.WrapHandler(h) }

	if opts.otel {
		tp, err := tracerProvider(p, opts.service)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to shut down tracer provider", zap.Error(err))
			}
		}()

		a.db, err = otelsql.Open("sqlite", "file:demo?mode=memory&cache=shared",
			otelsql.WithTracerProvider(tp),
			otelsql.WithAttributes(semconv.DBSystemSqlite),
		)
		if err != nil {
			return err
		}
		a.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp))}
		wrap = func(pattern string, h http.Handler) http.Handler {
			return otelhttp.NewHandler(h, pattern, otelhttp.WithTracerProvider(tp))
		}
	} else {
		base, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return err
		}
		driver := base.Driver()
		_ = base.Close()
		if err := p.RegisterSQLDriver("sqlite-profiled", driver); err != nil {
			return err
		}
		if a.db, err = sql.Open("sqlite-profiled", "file:demo?mode=memory&cache=shared"); err != nil {
			return err
		}
		a.client = &http.Client{Transport: p.Transport(nil)}
	}
	defer a.db.Close()

	if err := a.migrate(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	for pattern, h := range a.routes() {
		mux.Handle(pattern, wrap(pattern, h))
	}
	p.Mount(mux)

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving demo service",
			zap.String("addr", opts.addr),
			zap.Bool("otel", opts.otel),
			zap.String("query_api", "/"+cfg.EndpointRoot+"/api/measurements/"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// selfURL is the base URL the demo uses to call itself.
func selfURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func tracerProvider(p *profiler.Profiler, service string) (*sdktrace.TracerProvider, error) {
	exp, err := p.SpanExporter()
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func (a *app) migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	_, err := a.db.ExecContext(ctx, `INSERT OR IGNORE INTO users (id, name) VALUES (1, 'Ada'), (2, 'Grace')`)
	return err
}

func (a *app) routes() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /{$}":        http.HandlerFunc(a.hello),
		"GET /slow":       http.HandlerFunc(a.slow),
		"GET /error":      http.HandlerFunc(a.fail),
		"GET /users/{id}": http.HandlerFunc(a.user),
		"GET /outbound":   http.HandlerFunc(a.outbound),
		"POST /echo":      http.HandlerFunc(a.echo),
	}
}

func (a *app) hello(w http.ResponseWriter, r *http.Request) {
	time.Sleep(50 * time.Millisecond)
	fmt.Fprintln(w, "Hello from the profiled service!")
}

func (a *app) slow(w http.ResponseWriter, r *http.Request) {
	time.Sleep(600 * time.Millisecond)
	fmt.Fprintln(w, "This was a slow request.")
}

func (a *app) fail(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "This endpoint always fails.", http.StatusInternalServerError)
}

func (a *app) user(w http.ResponseWriter, r *http.Request) {
	var name string
	err := a.db.QueryRowContext(r.Context(), "SELECT name FROM users WHERE id = ?", r.PathValue("id")).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "User: %s\n", name)
}

func (a *app) outbound(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.self+"/", nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(w, resp.Body)
}

func (a *app) echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	_, _ = w.Write(body)
}
