package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiopipe/audiopipe/internal/asset"
	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/job"
	"github.com/audiopipe/audiopipe/internal/media"
	"github.com/audiopipe/audiopipe/internal/pipeline"
	"github.com/audiopipe/audiopipe/internal/render"
	"github.com/audiopipe/audiopipe/internal/storage"
	"github.com/audiopipe/audiopipe/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job-processing worker loop until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := job.Open(cfg.StoreBackend, cfg.SQLitePath, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := storage.NewFSStore(cfg.StorageRoot)
	if err != nil {
		return err
	}

	deps := &pipeline.Deps{
		Store:  store,
		Blobs:  blobs,
		Assets: asset.NewBlobService(blobs),
		Media:  media.NewRunner(cfg.FFmpegPath, cfg.FFprobePath, cfg.YtdlpPath),
		Render: render.NewClient(cfg.RenderEndpoint),
		Cfg:    cfg,
		Log:    log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		"store_backend", cfg.StoreBackend,
		"storage_root", cfg.StorageRoot)
	err = worker.NewLoop(deps).Run(ctx)
	if err == nil {
		log.Info("worker stopped")
	}
	return err
}
