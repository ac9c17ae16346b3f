// Command backfill runs administrative index operations against the vector
// index: a bulk reindex from the content store, bulk deletes, and stats.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/engine/pipeline"
	"github.com/folio-press/folio/engine/reindex"
	"github.com/folio-press/folio/pkg/config"
	"github.com/folio-press/folio/pkg/contentstore"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// contentSource enumerates canonical content.
type contentSource interface {
	ListAll(ctx context.Context, pageSize int) ([]domain.Content, error)
	ListByIDs(ctx context.Context, ids []string) ([]domain.Content, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// openContent is replaced in tests.
var openContent = func(ctx context.Context, dsn string) (contentSource, error) {
	return contentstore.Open(ctx, dsn)
}

type app struct {
	cfgFile string
	verbose bool
	cfg     config.Config
	log     *slog.Logger
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "backfill",
		Short: "Administer the folio semantic index",
		Long: `backfill keeps the semantic index in step with the content store.

Examples:
  backfill reindex                 # index every content item
  backfill reindex --force         # re-embed even unchanged items
  backfill reindex --ids p1,p2     # index selected items
  backfill delete p1 p2            # remove items from the index
  backfill stats                   # show index statistics`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			level := cfg.SlogLevel()
			if a.verbose {
				level = slog.LevelDebug
			}
			a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", os.Getenv("FOLIO_CONFIG"), "path to YAML config")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(a.reindexCmd(), a.deleteCmd(), a.statsCmd())
	return root
}

func (a *app) buildPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	return pipeline.Build(ctx, a.cfg, nil, a.log)
}

func (a *app) reindexCmd() *cobra.Command {
	var (
		force     bool
		reset     bool
		noBar     bool
		ids       []string
		batchSize int
		delay     time.Duration
		rps       float64
	)
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Synchronize content from the content store into the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("batch-size") {
				a.cfg.Reindex.BatchSize = batchSize
			}
			if cmd.Flags().Changed("delay") {
				a.cfg.Reindex.Delay = delay
			}
			if cmd.Flags().Changed("rps") {
				a.cfg.Reindex.RPS = rps
			}

			p, err := a.buildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()
			if !p.Sync.Available() {
				return fmt.Errorf("semantic indexing unavailable (embedder %q, index %s)",
					p.Embedder.Name(), a.cfg.Index.Backend)
			}

			src, err := openContent(ctx, a.cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer src.Close()

			var items []domain.Content
			if len(ids) > 0 {
				items, err = src.ListByIDs(ctx, ids)
			} else {
				items, err = src.ListAll(ctx, 0)
			}
			if err != nil {
				return err
			}

			if reset {
				fmt.Fprintln(cmd.OutOrStdout(), "Resetting index...")
				if err := p.ResetIndex(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reindexing %d items in batches of %d\n", len(items), a.cfg.Reindex.BatchSize)
			bar := newBar(out, len(items), noBar)
			sum, err := p.Reindexer(force, func(b reindex.BatchReport) {
				bar.Add(b.Size)
			}).Run(ctx, items)
			bar.Finish()

			printSummary(out, sum)
			if err != nil {
				return err
			}
			if sum.Errors > 0 {
				fmt.Fprintln(out, "Some items failed; see the log. Re-running is safe.")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&force, "force", false, "re-embed items whose ledger fingerprint is unchanged")
	f.BoolVar(&reset, "reset", false, "drop and recreate the index first")
	f.BoolVar(&noBar, "no-progress", false, "disable the progress bar")
	f.StringSliceVar(&ids, "ids", nil, "only reindex these content ids")
	f.IntVar(&batchSize, "batch-size", reindex.DefaultBatchSize, "items per batch")
	f.DurationVar(&delay, "delay", reindex.DefaultDelay, "pause between batches")
	f.Float64Var(&rps, "rps", 0, "max items started per second (0 = unlimited)")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Remove content ids from the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.buildPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			if !p.Index.Available() {
				return fmt.Errorf("vector index unavailable")
			}
			if err := p.Sync.DeleteMany(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d ids\n", len(args))
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	var withContent bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.buildPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Embedder:   %s (available=%v)\n", p.Embedder.Name(), p.Embedder.Available())
			fmt.Fprintf(out, "Index:      %s (available=%v)\n", indexName(a.cfg), p.Index.Available())
			if !p.Index.Available() {
				return nil
			}
			st, err := p.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Records:    %d\n", st.Count)
			fmt.Fprintf(out, "Dimension:  %d\n", st.Dimension)
			fmt.Fprintf(out, "Metric:     %s\n", st.Metric)
			if p.Ledger != nil {
				if n, err := p.Ledger.Len(); err == nil {
					fmt.Fprintf(out, "Ledger:     %d entries\n", n)
				}
			}
			if !withContent {
				return nil
			}
			src, err := openContent(cmd.Context(), a.cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer src.Close()
			n, err := src.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Content:    %d items in the content store\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withContent, "content", false, "also count items in the content store")
	return cmd
}

func indexName(cfg config.Config) string {
	if cfg.Index.Backend == "qdrant" {
		return "qdrant " + cfg.Index.Addr + "/" + cfg.Index.Collection
	}
	return cfg.Index.Backend
}

func newBar(out io.Writer, total int, disabled bool) *progressbar.ProgressBar {
	if disabled || total == 0 {
		return progressbar.DefaultSilent(int64(total))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Reindexing"),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
	)
}

func printSummary(out io.Writer, sum reindex.Summary) {
	var b strings.Builder
	fmt.Fprintf(&b, "\nReindex complete:\n")
	fmt.Fprintf(&b, "  Total:      %d\n", sum.Total)
	fmt.Fprintf(&b, "  Success:    %d (%d unchanged)\n", sum.Success, sum.Unchanged)
	fmt.Fprintf(&b, "  Errors:     %d\n", sum.Errors)
	if sum.Pending > 0 {
		fmt.Fprintf(&b, "  Pending:    %d (cancelled)\n", sum.Pending)
	}
	io.WriteString(out, b.String())
}
