package main

import (
	"context"
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

	"github.com/glimte/mailqueue"
	"github.com/glimte/mailqueue/health"
	"github.com/glimte/mailqueue/internal/config"
	"github.com/glimte/mailqueue/internal/results"
	"github.com/glimte/mailqueue/monitor"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags override values loaded from the environment
type globalFlags struct {
	rabbitURL string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mailqueue",
		Short: "Queue emails through RabbitMQ and process them with a worker",
		Long: `mailqueue publishes "send email" requests to a RabbitMQ direct exchange,
consumes them with a bounded-prefetch worker and records every processed message.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides RABBITMQ_URL)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newEnqueueCmd(flags),
		newResultsCmd(flags),
		newHealthCmd(flags),
		newQueuesCmd(flags),
	)

	return rootCmd
}

// loadConfig reads .env and the environment, applies flag overrides and
// installs the process logger
func loadConfig(flags *globalFlags, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flags.rabbitURL != "" {
		cfg.RabbitMQ.URL = flags.rabbitURL
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	slog.SetDefault(cfg.Log.NewLogger(stderr))
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr       string
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the publish, results and health endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mailqueue.Dial(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			var runWorker func(context.Context) error
			if withWorker {
				runWorker = client.NewWorker().Run
			}

			return serveUntilDone(ctx, client.Router().Server(cfg.HTTP.Addr), runWorker)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run a worker in this process")

	return cmd
}

// serveUntilDone runs server, and runWorker when set, until ctx is cancelled
// or either of them stops on its own. A stopped worker is an error: the API
// would keep queueing mail that nothing in this process consumes.
func serveUntilDone(ctx context.Context, server *http.Server, runWorker func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workerDone chan error
	if runWorker != nil {
		workerDone = make(chan error, 1)
		go func() { workerDone <- runWorker(ctx) }()
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	case err := <-workerDone:
		workerDone = nil
		if err == nil {
			err = errors.New("exited unexpectedly")
		}
		runErr = fmt.Errorf("worker stopped: %w", err)
		slog.Error("worker stopped, shutting down HTTP server", "error", err)
	}

	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}

	if workerDone != nil {
		if err := <-workerDone; err != nil && runErr == nil {
			runErr = fmt.Errorf("worker stopped: %w", err)
		}
	}
	return runErr
}

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume email requests until interrupted",
		Long: `Consume email requests with bounded prefetch, simulate sending, record the
result and acknowledge. SIGINT or SIGTERM stops consuming and closes the
channel and then the connection; unacknowledged messages return to the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mailqueue.Dial(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			w := client.NewWorker()
			err = w.Run(ctx)

			stats := w.Stats()
			slog.Info("worker stopped",
				"received", stats.Received,
				"acked", stats.Acked,
				"requeued", stats.Requeued,
				"dropped", stats.Dropped)
			return err
		},
	}
}

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	var to, subject, body string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish one email request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := mailqueue.Dial(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			receipt, err := client.Enqueue(ctx, to, subject, body)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), receipt); err != nil {
				return err
			}
			if !receipt.Accepted {
				return errors.New("broker did not accept the message")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&body, "body", "", "Message body")

	return cmd
}

func newResultsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "Print the stored result records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, err := results.Open(ctx, cfg.ResultsOptions())
			if err != nil {
				return fmt.Errorf("failed to open result store: %w", err)
			}
			defer store.Close()

			records, err := store.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	var (
		withQueues bool
		backlog    int
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker, channel pool and result store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := mailqueue.Dial(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			if withQueues {
				mc, err := newManagementClient(cfg)
				if err != nil {
					return err
				}
				for _, name := range queueNames(cfg) {
					client.Health().Register(monitor.NewQueueChecker(mc, name, backlog))
				}
			}

			report := client.Health().Check(ctx)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withQueues, "queues", false, "Also check queue statistics through the management API")
	cmd.Flags().IntVar(&backlog, "backlog", 1000, "Queue depth above which a queue is reported degraded (0 disables)")

	return cmd
}

func newQueuesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show depth and consumers of the work and dead letter queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			mc, err := newManagementClient(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			queues, err := mc.Queues(ctx, queueNames(cfg)...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), queues)
		},
	}
}

func newManagementClient(cfg *config.Config) (*monitor.ManagementClient, error) {
	return monitor.NewManagementClient(cfg.RabbitMQ.URL, monitor.WithManagementURL(cfg.RabbitMQ.ManagementURL))
}

// queueNames lists the work queue and, when configured, the dead letter queue
func queueNames(cfg *config.Config) []string {
	t := cfg.Topology()
	names := []string{t.Queue}
	if t.DeadLetter != nil {
		names = append(names, t.DeadLetter.Queue)
	}
	return names
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
