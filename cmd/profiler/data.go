package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fllarpy/request-profiler/domain"
	"github.com/fllarpy/request-profiler/domain/measurement"
	"github.com/fllarpy/request-profiler/domain/query"
	"github.com/fllarpy/request-profiler/infrastructure/storage"
	"github.com/fllarpy/request-profiler/pkg/logger"
)

func newDumpCmd(root *rootOptions) *cobra.Command {
	var (
		out     string
		grouped bool
		window  time.Duration
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the stored measurements as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := openStore(root)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return dump(cmd, store, w, grouped, window, limit)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().BoolVar(&grouped, "grouped", false, "dump per (method, name) summaries instead of measurements")
	cmd.Flags().DurationVar(&window, "window", query.DefaultWindow, "how far back to dump")
	cmd.Flags().IntVar(&limit, "limit", math.MaxInt32, "maximum number of rows")
	return cmd
}

func dump(cmd *cobra.Command, store domain.Store, w io.Writer, grouped bool, window time.Duration, limit int) error {
	ctx := cmd.Context()
	now := time.Now()

	kind := query.KindListing
	if grouped {
		kind = query.KindSummary
	}
	f := query.Default(kind, now)
	f.StartedAt = measurement.EpochSeconds(now.Add(-window))
	f.Limit = limit

	var (
		payload any
		err     error
	)
	if grouped {
		payload, err = store.Summary(ctx, f)
	} else {
		payload, err = store.Filter(ctx, f)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newTruncateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate",
		Short: "Delete every stored measurement",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, err := openStore(root)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			removed, err := store.Truncate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed: %t\n", removed)
			return nil
		},
	}
}

func openStore(root *rootOptions) (domain.Store, *zap.Logger, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		return nil, nil, err
	}
	return store, log, nil
}

func closeStore(store domain.Store, log *zap.Logger) {
	if err := store.Close(); err != nil {
		log.Warn("failed to close store", zap.Error(err))
	}
	logger.Flush(log)
}
