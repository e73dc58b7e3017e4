package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiopipe/audiopipe/internal/config"
	"github.com/audiopipe/audiopipe/internal/job"
)

// withStore opens the configured job store for one CLI invocation.
func withStore(fn func(ctx context.Context, store job.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := job.Open(cfg.StoreBackend, cfg.SQLitePath, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCmd() *cobra.Command {
	var metadata string
	cmd := &cobra.Command{
		Use:   "enqueue <type>",
		Short: "Create a pending job (types: ingest, preview, save, render)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			raw := json.RawMessage(metadata)
			if strings.HasPrefix(metadata, "@") {
				data, err := os.ReadFile(metadata[1:])
				if err != nil {
					return fmt.Errorf("read metadata file: %w", err)
				}
				raw = data
			}
			if !json.Valid(raw) {
				return fmt.Errorf("metadata is not valid JSON")
			}
			return withStore(func(ctx context.Context, store job.Store) error {
				j, err := store.Create(ctx, job.Type(args[0]), raw)
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "{}", "job metadata as JSON, or @file")
	return cmd
}

func newListCmd() *cobra.Command {
	var status, typ string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withStore(func(ctx context.Context, store job.Store) error {
				jobs, err := store.List(ctx, job.Filter{
					Status: job.Status(status),
					Type:   job.Type(typ),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printJSON(jobs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&typ, "type", "", "filter by type")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job, including its queue position while pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store job.Store) error {
				j, err := store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if j == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				out := struct {
					*job.Job
					QueuePosition *int `json:"queue_position,omitempty"`
				}{Job: j}
				if j.Status == job.StatusPending {
					pos, err := store.QueuePosition(ctx, j.ID)
					if err != nil {
						return err
					}
					out.QueuePosition = &pos
				}
				return printJSON(out)
			})
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, store job.Store) error {
				if err := store.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("cancelled", args[0])
				return nil
			})
		},
	}
}
