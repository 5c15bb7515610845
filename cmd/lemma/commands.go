package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/uselemma/lemma-go/internal/config"
	"github.com/uselemma/lemma-go/internal/export"
	"github.com/uselemma/lemma-go/internal/storage"
)

const replayPageSize = 100

// app carries what every subcommand needs once config is loaded.
type app struct {
	load   func() (config.Config, error)
	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand(load func() (config.Config, error), logger *slog.Logger) *cobra.Command {
	a := &app{load: load, logger: logger}

	cmd := &cobra.Command{
		Use:   "lemma",
		Short: "Inspect and re-deliver Lemma agent runs",
		Long: `lemma works with the local copies of agent runs kept by the Lemma Go SDK:
the run archive (LEMMA_ARCHIVE_BACKEND) and the delivery spool (LEMMA_SPOOL_DIR).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	cmd.AddCommand(a.runsCommand(), a.replayCommand(), a.spoolCommand())
	return cmd
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("no run archive configured (set LEMMA_ARCHIVE_BACKEND to sqlite or postgres)")
	}
	return store, nil
}

func (a *app) runsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse archived runs",
	}

	var (
		limit, offset int
		asJSON        bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived runs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, total, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"runs": runs, "total": total})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "RUN ID\tAGENT\tSPANS\tSTATUS\tSTARTED")
			for _, r := range runs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					r.RunID, r.AgentName, r.SpanCount, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs\n", len(runs), total)
			return err
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list")
	list.Flags().IntVar(&offset, "offset", 0, "Runs to skip")
	list.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print an archived run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			batch, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("run %q not found", args[0])
				}
				return err
			}
			return writeJSON(cmd, map[string]any{"summary": batch.Summary(), "spans": batch.Spans})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func (a *app) replayCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "replay [run-id...]",
		Short: "Re-export archived runs to the configured exporter",
		Long: `replay sends archived runs to the exporter selected by LEMMA_EXPORTER,
one batch per run. Name the runs to send, or pass --all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name at least one run id, or pass --all (not both)")
			}
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if all {
				args, err = allRunIDs(ctx, store)
				if err != nil {
					return err
				}
			}

			// Archived runs must not be archived a second time.
			cfg := a.cfg
			cfg.ArchiveBackend = config.ArchiveNone
			pipeline, err := export.New(ctx, cfg, a.logger)
			if err != nil {
				return err
			}

			sent := 0
			var errs []error
			for _, id := range args {
				if err := replayRun(ctx, store, pipeline, id); err != nil {
					errs = append(errs, err)
					continue
				}
				sent++
			}
			errs = append(errs, pipeline.Shutdown(context.WithoutCancel(ctx)))

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "replayed %d of %d runs\n", sent, len(args))
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Replay every archived run")
	return cmd
}

func replayRun(ctx context.Context, store storage.Store, pipeline *export.Pipeline, runID string) error {
	batch, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	spans, err := batch.Snapshots()
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if err := pipeline.Exporter.ExportSpans(ctx, spans); err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	return nil
}

func allRunIDs(ctx context.Context, store storage.Store) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += replayPageSize {
		runs, total, err := store.ListRuns(ctx, replayPageSize, offset)
		if err != nil {
			return nil, err
		}
		for _, r := range runs {
			ids = append(ids, r.RunID)
		}
		if len(runs) == 0 || offset+len(runs) >= total {
			return ids, nil
		}
	}
}

func (a *app) spoolCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Work with the delivery spool",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Deliver every run still waiting in the spool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.SpoolDir == "" {
				return errors.New("no spool configured (set LEMMA_SPOOL_DIR)")
			}
			ctx := cmd.Context()

			cfg := a.cfg
			cfg.ArchiveBackend = config.ArchiveNone
			pipeline, err := export.New(ctx, cfg, a.logger)
			if err != nil {
				return err
			}
			if pipeline.Durable == nil {
				_ = pipeline.Shutdown(ctx)
				return fmt.Errorf("exporter %q does not deliver through the spool", cfg.Exporter)
			}

			n, replayErr := pipeline.Replay(ctx)
			pending := pipeline.Durable.Pending()
			shutErr := pipeline.Shutdown(context.WithoutCancel(ctx))

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delivered %d runs, %d still spooled\n", n, pending)
			return errors.Join(replayErr, shutErr)
		},
	})
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
