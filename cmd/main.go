package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mqtt-weatherstation/internal/app"
	"mqtt-weatherstation/internal/config"
	"mqtt-weatherstation/internal/logging"
)

var version = "dev"
var appName = config.AppName

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	code := 0
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           appName,
		Short:         "Bridge a serial weather station to MQTT",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			explicit := cmd.Flags().Changed("config")
			*code = run(configPath, explicit)
			return nil
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), appName, version)
		},
	})
	return root
}

func run(configPath string, explicit bool) int {
	if !explicit {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger, closer, err := logging.New(cfg, version, appName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup error: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("starting",
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"log_level", cfg.LogLevel.String(),
	)

	// The handler only records the signal and cancels; the shutdown sequence
	// runs in app.Run once the context is done.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received os.Signal
	caught := make(chan struct{})
	go func() {
		select {
		case received = <-sigs:
			slog.Info("signal received", "signal", received.String())
			close(caught)
			cancel()
		case <-ctx.Done():
		}
	}()

	err = app.Run(ctx, cfg)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run failed", "err", err)
		return 1
	}

	slog.Info("shutting down")
	select {
	case <-caught:
		if s, ok := received.(syscall.Signal); ok {
			return int(s)
		}
	default:
	}
	return 0
}
