// Command examforge ingests exam documents into a deduplicated question bank.
// It runs batches from the command line or serves the REST, event stream and
// MCP surfaces.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/examforge/dbopen"
	"github.com/hazyhaar/examforge/idgen"
	"github.com/hazyhaar/examforge/ingest"
	"github.com/hazyhaar/examforge/observability"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile, logLevel string
	cmdRoot := &cobra.Command{
		Use:          "examforge",
		Short:        "Exam question ingestion pipeline",
		Long:         `Render exam documents, extract their questions and store them without duplicates.`,
		SilenceUsage: true,
	}
	cmdRoot.PersistentFlags().StringVarP(&configFile, "config", "c", "", "load configuration from YAML file")
	cmdRoot.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	load := func() (*ingest.Config, *slog.Logger, error) {
		cfg := ingest.DefaultConfig()
		if configFile != "" {
			var err error
			if cfg, err = ingest.LoadConfig(configFile); err != nil {
				return nil, nil, err
			}
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("config: %w", err)
		}
		// Logs go to stderr: stdout carries command output and the MCP
		// stdio transport.
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	cmdRoot.AddCommand(cmdServe(load))
	cmdRoot.AddCommand(cmdIngest(load))
	cmdRoot.AddCommand(cmdStatus(load))
	cmdRoot.AddCommand(cmdRetry(load))
	cmdRoot.AddCommand(cmdEvents(load))
	cmdRoot.AddCommand(cmdHealth(load))
	cmdRoot.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "examforge %s\n", version)
		},
	})
	return cmdRoot
}

type loader func() (*ingest.Config, *slog.Logger, error)

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg     *ingest.Config
	logger  *slog.Logger
	o       *ingest.Orchestrator
	obsDB   *sql.DB
	events  *observability.EventLog
	metrics *observability.MetricsManager
	closers []func() error
}

func (a *app) close() {
	a.o.Wait()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
}

func openApp(ctx context.Context, load loader) (*app, error) {
	cfg, logger, err := load()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			for i := len(a.closers) - 1; i >= 0; i-- {
				a.closers[i]()
			}
		}
	}()

	st, err := ingest.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	a.obsDB, err = dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open observability db: %w", err)
	}
	a.closers = append(a.closers, a.obsDB.Close)
	if err := observability.Init(a.obsDB); err != nil {
		return nil, fmt.Errorf("init observability db: %w", err)
	}
	a.events = observability.NewEventLog(a.obsDB, 0)
	a.closers = append(a.closers, a.events.Close)
	a.metrics = observability.NewMetricsManager(a.obsDB, 100, 5*time.Second)
	a.closers = append(a.closers, a.metrics.Close)

	objects, err := ingest.OpenObjects(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	adapter, err := ingest.OpenAdapter(ctx, cfg.Extraction, objects)
	if err != nil {
		return nil, fmt.Errorf("open extraction: %w", err)
	}
	if c, isCloser := adapter.(io.Closer); isCloser {
		a.closers = append(a.closers, c.Close)
	}

	a.o, err = ingest.New(ctx, cfg, st, objects, adapter,
		ingest.WithLogger(logger),
		ingest.WithEventLog(a.events),
		ingest.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	if err := a.o.Recover(ctx); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdServe(load loader) *cobra.Command {
	var mcpMode string
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the REST API, the event stream and MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()

			if retentionDays > 0 {
				err := observability.Cleanup(ctx, a.obsDB, observability.RetentionConfig{
					EventDays:     retentionDays,
					MetricDays:    retentionDays,
					HeartbeatDays: retentionDays,
				})
				if err != nil {
					a.logger.Warn("observability cleanup", "error", err)
				}
			}
			go observability.NewHeartbeatWriter(a.obsDB, "examforge", 15*time.Second).Run(ctx)

			mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "examforge", Version: version}, nil)
			a.o.RegisterMCP(ctx, mcpSrv)

			r := ingest.NewHandler(ctx, a.o).Router()
			switch mcpMode {
			case "http":
				r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
			case "stdio":
				go func() {
					if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
						a.logger.Error("mcp stdio", "error", err)
					}
				}()
			case "off":
			default:
				return fmt.Errorf("unknown --mcp mode %q (use http, stdio or off)", mcpMode)
			}

			srv := &http.Server{
				Addr:              a.cfg.Listen,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", "addr", a.cfg.Listen, "mcp", mcpMode)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return fmt.Errorf("server: %w", err)
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("shutdown", "error", err)
			}
			a.logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&mcpMode, "mcp", "http", "MCP transport: http (mounted at /mcp), stdio or off")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 30, "delete observability rows older than this at startup (0 keeps all)")
	return cmd
}

func cmdIngest(load loader) *cobra.Command {
	var subject, category string
	cmd := &cobra.Command{
		Use:   "ingest <file-or-url>...",
		Short: "ingest documents as one batch and wait for it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()

			docs := make([]ingest.Document, len(args))
			for i, src := range args {
				docs[i] = ingest.Document{Source: src, Subject: subject, Category: category}
			}
			b, err := a.o.Enqueue(ctx, docs)
			if err != nil {
				return err
			}
			if err := a.o.Run(ctx, b.ID); err != nil {
				return err
			}
			rep, err := a.o.Status(context.WithoutCancel(ctx), b.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject hint for every document")
	cmd.Flags().StringVar(&category, "category", "", "category hint for every document")
	return cmd
}

func cmdStatus(load loader) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [batch-id]",
		Short: "show a batch with its sessions, or list recent batches",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()
			if len(args) == 0 {
				bs, err := a.o.Batches(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), bs)
			}
			id, err := idgen.Parse(args[0])
			if err != nil {
				return err
			}
			rep, err := a.o.Status(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "batches to list")
	return cmd
}

func cmdRetry(load loader) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "retry <session-id>",
		Short: "retry a failed or cancelled session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idgen.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()
			ss, err := a.o.Retry(ctx, id)
			if err != nil {
				return err
			}
			if run {
				if err := a.o.Run(ctx, ss.BatchID); err != nil {
					return err
				}
				if ss, err = a.o.Session(context.WithoutCancel(ctx), ss.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), ss)
		},
	}
	cmd.Flags().BoolVar(&run, "run", true, "run the batch after the retry")
	return cmd
}

func cmdEvents(load loader) *cobra.Command {
	var filter observability.EventFilter
	cmd := &cobra.Command{
		Use:   "events",
		Short: "print the recorded pipeline events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()
			events, err := a.events.Query(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&filter.BatchID, "batch", "", "only events of this batch")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "only events of this session")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only events of this kind (stage, batch)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 200, "maximum events")
	return cmd
}

func cmdHealth(load loader) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "show the last heartbeat of the serve process and the corpus size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, load)
			if err != nil {
				return err
			}
			defer a.close()
			hb, err := observability.LatestHeartbeat(ctx, a.obsDB, "examforge", staleAfter)
			if err != nil {
				return err
			}
			n, err := a.o.CorpusSize(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"heartbeat": hb,
				"questions": n,
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", time.Minute, "heartbeat age after which the server counts as down")
	return cmd
}
