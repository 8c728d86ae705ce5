package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// A memory queue is private to one process, so its producer and consumer
// must share it.
var errMemoryQueue = errors.New("forest.queue=memory requires serve --with-worker")

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.cfg.Forest.Queue == "memory" && !withWorker {
					return errMemoryQueue
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				poolDone := make(chan struct{})
				if withWorker {
					go func() {
						defer close(poolDone)
						_ = a.pool().Run(ctx)
					}()
				} else {
					close(poolDone)
				}

				srv := &http.Server{
					Addr:              a.cfg.Addr,
					Handler:           a.router().Handler(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					logrus.WithField("addr", a.cfg.Addr).Info("Sylva server listening")
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					stop()
					<-poolDone
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				logrus.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				err := srv.Shutdown(shutdownCtx)
				<-poolDone
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the Forest worker pool in this process")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Forest worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.cfg.Forest.Queue == "memory" {
					return errMemoryQueue
				}
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return a.pool().Run(ctx)
			})
		},
	}
}
