package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/quilora/quilora-go/internal/embedder"
	"github.com/quilora/quilora-go/internal/logging"
	"github.com/quilora/quilora-go/internal/server"
	"github.com/quilora/quilora-go/internal/store"
	"github.com/quilora/quilora-go/internal/tracing"
)

// NewServeCmd constructs the `quilora serve` command, which starts the HTTP
// server exposing the query and indexing pipelines.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Quilora HTTP server",
		Long: `Start the Quilora HTTP server on localhost.

The server exposes a REST/SSE API for indexing documents and answering
questions grounded in the indexed corpus. Protect the API with a Bearer
token by setting QUILORA_API_KEY.

Examples:
  quilora serve
  quilora serve --port 9090
  MODEL_PROVIDER=openai quilora serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			reg := buildRegistry()
			defer func() { _ = reg.Close() }()

			indexing, err := buildIndexing(reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			retrieval, err := buildRetrieval(ctx, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			// Open query history store. QUILORA_HISTORY_DB overrides the
			// default path (~/.quilora/history.db). Set to "disabled" to turn
			// history off.
			var historyStore store.HistoryStore
			dbPath := os.Getenv("QUILORA_HISTORY_DB")
			if dbPath != "disabled" {
				if dbPath == "" {
					dbPath, err = store.DefaultDBPath()
					if err != nil {
						log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
					}
				}
				if dbPath != "" {
					hs, hsErr := store.Open(dbPath)
					if hsErr != nil {
						log.Warn("history: failed to open store, disabling", slog.Any("error", hsErr))
					} else {
						historyStore = hs
						defer func() { _ = hs.Close() }()
						log.Info("history: store opened", slog.String("path", dbPath))
					}
				}
			} else {
				log.Info("history: disabled via QUILORA_HISTORY_DB=disabled")
			}

			pingers := buildPingers(ctx, reg, log)

			srv, err := server.New(retrieval, indexing, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("QUILORA_API_KEY"),
				History: historyStore,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
