package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	var opts Options
	var importFile string
	flag.StringVar(&opts.ConfigFile, "config", "", "path to a JSON or YAML config file")
	flag.StringVar(&opts.Profile, "profile", "", "configuration profile: development, testing, staging or production")
	flag.StringVar(&importFile, "import", "", "import a legacy YAML export into storage and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	code := 0
	if importFile != "" {
		code = runImport(ctx, app, importFile)
	} else if err := run(ctx, app); err != nil {
		app.Logger.Error().Err(err).Msg("server failed")
		code = 1
	}
	cleanup()
	os.Exit(code)
}

func runImport(ctx context.Context, app *App, path string) int {
	rep, err := app.Importer.ImportLegacyFile(ctx, path)
	if err != nil {
		app.Logger.Error().Err(err).Str("file", path).Msg("import failed")
		return 1
	}
	app.Service.Flush()
	for _, msg := range rep.SkippedMessages() {
		app.Logger.Warn().Str("file", path).Msg(msg)
	}
	app.Logger.Info().
		Int("vouchers", rep.Vouchers).
		Int("records", rep.Records).
		Int("skipped", len(rep.Skipped)).
		Msg("legacy import finished")
	return 0
}

// run serves HTTP and sweeps expired selections until ctx ends, then shuts down.
func run(ctx context.Context, app *App) error {
	cfg := app.Config
	log := app.Logger

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("profile", cfg.Profile).
		Str("address", cfg.Server.Address).
		Str("storage_adapter", cfg.Storage.Adapter).
		Msg("starting voucherkit server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("server listening")
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		app.Service.Selections.Run(gctx, cfg.Redemption.SelectionSweep)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return app.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	log.Info().Msg("server stopped")
	return err
}
