package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warden/internal/config"
	"github.com/jkaninda/warden/internal/storage"
)

var (
	eventsJSON      bool
	eventsSince     time.Duration
	eventsWindow    time.Duration
	eventsThreshold float64
	eventsOlderThan int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the security metrics store",
}

var eventsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count security events by kind and severity",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withStore(func(ctx context.Context, store storage.EventStore, _ *config.Config) error {
			sum, err := store.Summary(ctx, time.Now().Add(-eventsSince))
			if err != nil {
				return fmt.Errorf("querying summary: %w", err)
			}
			if eventsJSON {
				return printJSON(sum)
			}
			fmt.Printf("Events since %s: %d\n\n", sum.Since.Local().Format(time.DateTime), sum.Total)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tCOUNT")
			for _, k := range sortedKeys(sum.ByKind) {
				fmt.Fprintf(w, "%s\t%d\n", k, sum.ByKind[k])
			}
			fmt.Fprintln(w, "\nSEVERITY\tCOUNT")
			for _, k := range sortedKeys(sum.BySeverity) {
				fmt.Fprintf(w, "%s\t%d\n", k, sum.BySeverity[k])
			}
			return w.Flush()
		})
	},
}

var eventsTrendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "List event kinds whose rate grew against the previous window",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if eventsThreshold <= 1 {
			return fmt.Errorf("--threshold must be greater than 1")
		}
		return withStore(func(ctx context.Context, store storage.EventStore, _ *config.Config) error {
			trends, err := store.Trending(ctx, eventsWindow, eventsThreshold)
			if err != nil {
				return fmt.Errorf("querying trends: %w", err)
			}
			if eventsJSON {
				return printJSON(trends)
			}
			if len(trends) == 0 {
				fmt.Println("No trending event kinds.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tCURRENT\tPREVIOUS\tRATIO")
			for _, t := range trends {
				ratio := "new"
				if t.Previous > 0 {
					ratio = fmt.Sprintf("%.1fx", t.Ratio)
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", t.Kind, t.Current, t.Previous, ratio)
			}
			return w.Flush()
		})
	},
}

var eventsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stored events older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withStore(func(ctx context.Context, store storage.EventStore, cfg *config.Config) error {
			days := eventsOlderThan
			if days <= 0 {
				days = cfg.Retention.Days
			}
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			n, err := store.Cleanup(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("cleaning up events: %w", err)
			}
			fmt.Printf("Deleted %d events older than %d days.\n", n, days)
			return nil
		})
	},
}

func init() {
	eventsCmd.PersistentFlags().BoolVar(&eventsJSON, "json", false, "print JSON")
	eventsSummaryCmd.Flags().DurationVar(&eventsSince, "since", 24*time.Hour, "look-back period")
	eventsTrendingCmd.Flags().DurationVar(&eventsWindow, "window", time.Hour, "comparison window")
	eventsTrendingCmd.Flags().Float64Var(&eventsThreshold, "threshold", storage.DefaultTrendThreshold, "growth ratio")
	eventsCleanupCmd.Flags().IntVar(&eventsOlderThan, "older-than", 0, "retention in days (default from config)")

	eventsCmd.AddCommand(eventsSummaryCmd, eventsTrendingCmd, eventsCleanupCmd)
}

// withStore opens the metrics store for a query command. Queries do not
// take the instance lock.
func withStore(fn func(ctx context.Context, store storage.EventStore, cfg *config.Config) error) error {
	ctx, stop := requestContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(false)
	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	return fn(ctx, store, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
