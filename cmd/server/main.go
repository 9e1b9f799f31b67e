package main

import (
	"context"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app/postgres"
	"github.com/beldeveloper/app-cicd/internal/config"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// shutdownTimeout bounds the wait for the running tasks and requests on exit.
const shutdownTimeout = 30 * time.Second

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "app-cicd",
		Short: "CI/CD controller of the Odoo branch instances",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the REST API, the task workers and the periodic jobs",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the controller schema in the database",
			RunE:  migrate,
		},
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	c, cleanup, err := initializeContainer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(ctx)

	c.workers.Start(gCtx)
	c.watcher.Start(gCtx)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler: c.router,
	}
	g.Go(func() error {
		_ = level.Info(c.logger).Log("msg", "listening for HTTP connections", "port", cfg.HTTP.Port)
		var err error
		if cfg.HTTP.HTTPSCrt != "" {
			err = srv.ListenAndServeTLS(cfg.HTTP.HTTPSCrt, cfg.HTTP.HTTPSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		_ = level.Info(c.logger).Log("msg", "stopping the application")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		if err := c.watcher.Stop(shutdownTimeout); err != nil {
			return err
		}
		return c.workers.Stop(shutdownTimeout)
	})
	if err = g.Wait(); err != nil {
		_ = level.Error(c.logger).Log("msg", "service error", "err", err)
		return err
	}
	_ = level.Info(c.logger).Log("msg", "stopped gracefully")
	return nil
}

func migrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("migrate needs the %s store, got %s", config.StorePostgres, cfg.Store)
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, cfg.DB.DSN(), cfg.DB.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err = postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	fmt.Println("schema is up to date")
	return nil
}
