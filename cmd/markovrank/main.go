// Package main provides the markovrank CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/markovrank/pkg/config"
	"github.com/orneryd/markovrank/pkg/feed"
	"github.com/orneryd/markovrank/pkg/ingest"
	"github.com/orneryd/markovrank/pkg/markov"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "markovrank",
		Short: "markovrank - incremental co-occurrence relation store",
		Long: `markovrank builds a directed, weighted graph of co-occurrence relations
between items from a stream of rated sequences.

Every sequence updates all ordered pairs of its items atomically. Each
relation keeps a count, a rating sum and a rating sum of squares so mean
and variance can be read at any time.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file (default: environment only)")
	flags.String("engine", "", "Storage engine: badger, sqlite, postgres, memory")
	flags.String("data-dir", "", "Data directory")
	flags.String("dsn", "", "SQL data source name")
	flags.String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "markovrank v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and prepare the data directory",
		RunE:  runInit,
	}
	initCmd.Flags().Bool("reset", false, "Remove all existing elements and relations")
	rootCmd.AddCommand(initCmd)

	feedCmd := &cobra.Command{
		Use:   "feed [file]",
		Short: "Ingest rating,item,item,... lines from a file or stdin",
		Long: `Ingest rating,item,item,... lines from a file or stdin.

Reading stops at the first malformed line. Every sequence read before it is
still ingested, then the command fails naming the bad line.`,
		Args: cobra.MaximumNArgs(1),
		RunE:  runFeed,
	}
	feedCmd.Flags().Int("workers", 0, "Concurrent workers (default from config)")
	feedCmd.Flags().Bool("continue-on-error", false, "Skip sequences that fail instead of stopping")
	feedCmd.Flags().Bool("show", false, "Print the children of every element after ingesting")
	rootCmd.AddCommand(feedCmd)

	childrenCmd := &cobra.Command{
		Use:   "children [element]",
		Short: "List the relations of an element",
		Args:  cobra.ExactArgs(1),
		RunE:  runChildren,
	}
	childrenCmd.Flags().Bool("json", false, "Print JSON")
	rootCmd.AddCommand(childrenCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "mean [element]",
		Short: "Print the mean rating of an element's relations",
		Args:  cobra.ExactArgs(1),
		RunE:  runMean,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "edge [parent] [child]",
		Short: "Print the statistics of one relation",
		Args:  cobra.ExactArgs(2),
		RunE:  runEdge,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count elements and relations",
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "gc",
		Short: "Run badger value log garbage collection and print the store size",
		RunE:  runGC,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Remove all elements and relations",
		RunE:  runReset,
	})

	return rootCmd
}

// loadConfig builds the configuration from the config file or environment,
// then applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}

	if v, _ := cmd.Flags().GetString("engine"); v != "" {
		cfg.Storage.Engine = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Storage.DSN = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, nil
}

func openDB(cmd *cobra.Command) (*markov.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := markov.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Storage.DataDir, err)
	}

	configPath := filepath.Join(cfg.Storage.DataDir, "markovrank.yaml")
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	db, err := markov.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if reset, _ := cmd.Flags().GetBool("reset"); reset {
		if err := db.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(out, "Existing data removed")
	}

	fmt.Fprintf(out, "Initialized %s store in %s\n", db.Engine().Name(), cfg.Storage.DataDir)
	fmt.Fprintf(out, "Config: %s\n", configPath)
	return nil
}

func runFeed(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Ingest.Workers = v
	}
	if v, _ := cmd.Flags().GetBool("continue-on-error"); v {
		cfg.Ingest.ContinueOnError = true
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	// Record the element names seen so --show can list them afterwards.
	show, _ := cmd.Flags().GetBool("show")
	seen := make(map[string]struct{})

	raw := make(chan ingest.Sequence, cfg.Ingest.QueueSize)
	sequences := make(chan ingest.Sequence, cfg.Ingest.QueueSize)

	// A malformed line ends the input but does not cancel the group, so the
	// sequences queued ahead of it are drained into the store.
	var parseErr error
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		if err := feed.Stream(ctx, in, raw); err != nil && ctx.Err() == nil {
			parseErr = err
		}
		return nil
	})
	g.Go(func() error {
		defer close(sequences)
		for seq := range raw {
			if show {
				for _, item := range seq.Items {
					seen[item] = struct{}{}
				}
			}
			select {
			case sequences <- seq:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var stats ingest.PipelineStats
	g.Go(func() error {
		var err error
		stats, err = db.Pipeline().Run(ctx, sequences)
		return err
	})

	err = g.Wait()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Fed %d sequences (%d pairs), %d failed\n", stats.Fed, stats.Pairs, stats.Failed)
	if err != nil {
		return err
	}
	if parseErr != nil {
		return fmt.Errorf("input stopped early, sequences before the bad line were ingested: %w", parseErr)
	}

	if show {
		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := printChildren(cmd, db, name, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func runChildren(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	asJSON, _ := cmd.Flags().GetBool("json")
	return printChildren(cmd, db, args[0], asJSON)
}

func printChildren(cmd *cobra.Command, db *markov.DB, name string, asJSON bool) error {
	children, err := db.Children(cmd.Context(), name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(children)
	}

	fmt.Fprintf(out, "%s:\n", name)
	if len(children) == 0 {
		fmt.Fprintln(out, "  (no relations)")
		return nil
	}
	for _, c := range children {
		mean, _ := c.Mean()
		fmt.Fprintf(out, "  %-20s count=%d sum=%s sumsq=%s mean=%s\n",
			c.Name, c.Count, formatFloat(c.RatingSum), formatFloat(c.RatingSumSquares), formatFloat(mean))
	}
	return nil
}

func runMean(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := db.MeanRating(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !r.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no data\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], formatFloat(r.Mean))
	return nil
}

func runEdge(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	s, ok, err := db.Edge(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s -> %s: no relation\n", args[0], args[1])
		return nil
	}
	mean, _ := s.Mean()
	stddev, _ := s.StdDev()
	fmt.Fprintf(out, "%s -> %s: count=%d sum=%s sumsq=%s mean=%s stddev=%s\n",
		args[0], args[1], s.Count, formatFloat(s.RatingSum), formatFloat(s.RatingSumSquares),
		formatFloat(mean), formatFloat(stddev))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := db.Stats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "engine=%s elements=%d relations=%d\n", db.Engine().Name(), s.Elements, s.Edges)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := db.Compact()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "lsm=%d vlog=%d collected=%v\n", m.LSMBytes, m.VlogBytes, m.Collected)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Reset(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "All elements and relations removed")
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
