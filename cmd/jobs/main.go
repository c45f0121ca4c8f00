package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/receiptsync/internal/app"
	"github.com/example/receiptsync/internal/config"
	"github.com/example/receiptsync/internal/core"
	"github.com/example/receiptsync/internal/models"
	"github.com/example/receiptsync/pkg/messagequeue"
)

var rootCmd = &cobra.Command{
	Use:          "jobs",
	Short:        "Run receiptsync maintenance sweeps",
	SilenceUsage: true,
}

func init() {
	for _, job := range []struct{ name, short string }{
		{core.JobUsageReset, "Reset monthly usage for subscriptions past their anniversary"},
		{core.JobConnectionHealth, "Flag bank connections that stopped syncing"},
		{core.JobPurge, "Permanently delete accounts past their recovery window"},
	} {
		rootCmd.AddCommand(sweepCmd(job.name, job.short))
	}
	rootCmd.AddCommand(enqueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sweepCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), name)
		},
	}
}

func runSweep(parent context.Context, name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = application.Close() }()

	report, err := application.Services.Jobs.Run(ctx, name)
	if err != nil {
		logger.Error("Sweep failed", zap.String("job", name), zap.Error(err))
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(report)
}

var enqueueFile string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue-billing-event",
	Short: "Publish a billing event envelope from a JSON file to the billing queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required")
		}
		raw, err := os.ReadFile(enqueueFile)
		if err != nil {
			return err
		}
		var event models.BillingEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("failed to parse %s: %w", enqueueFile, err)
		}
		if err := event.Validate(); err != nil {
			return err
		}
		body, err := json.Marshal(event)
		if err != nil {
			return err
		}

		logger, err := app.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		queue, err := messagequeue.NewRabbitMQService(messagequeue.NewRabbitMQServiceConfig{URL: cfg.AMQPURL}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()
		if err := queue.Publish(contextOrBackground(cmd.Context()), cfg.AMQPBillingQueue, body); err != nil {
			return err
		}
		logger.Info("Billing event enqueued", zap.String("eventId", event.ID), zap.String("queue", cfg.AMQPBillingQueue))
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "path to the event JSON")
	_ = enqueueCmd.MarkFlagRequired("file")
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
