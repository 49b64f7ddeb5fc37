package util

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds graceful shutdown of an HTTP server.
const ShutdownTimeout = 10 * time.Second

// Fatal logs msg at error level and exits the process.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}

// Serve runs srv and the optional background workers until SIGINT/SIGTERM or
// until one of them fails, then shuts the server down gracefully. Workers
// receive a context that is cancelled on shutdown, and so do in-flight
// requests unless srv carries its own BaseContext.
func Serve(ctx context.Context, name string, srv *http.Server, workers ...func(context.Context) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Long-lived handlers such as event streams watch the request context;
	// shutdown cancels it so they return instead of holding Shutdown open.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	if srv.BaseContext == nil {
		srv.BaseContext = func(net.Listener) context.Context { return baseCtx }
	}
	srv.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(name+" server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	for _, worker := range workers {
		g.Go(func() error { return worker(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		slog.Info(name+" server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
