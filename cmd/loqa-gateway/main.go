// Command loqa-gateway runs the conversational gateway: websocket clients on
// one side, the language model and speech synthesizer on the other.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/runtime"
)

var version = "0.1.0-dev"

const defaultConfigPath = "loqa-gateway.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "loqa-gateway",
	Short:         "Conversational gateway for game engine and browser clients",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := runtime.NewLogger(cfg.Telemetry, os.Stdout)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runtime.New(cfg, logger).Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config valid: llm=%s tts=%s retention=%s\n",
			cfg.LLM.Mode, cfg.TTS.Mode, cfg.EventStore.RetentionMode)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default "+defaultConfigPath+" if present)")
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

// loadConfig falls back to built-in defaults when no file was named and the
// default file is absent.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
