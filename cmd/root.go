// Package cmd provides the CLI commands for the transform worker.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"transform_worker/config"
)

// rootCmd is the base command; all work happens in subcommands.
var rootCmd = &cobra.Command{
	Use:   "transform-worker",
	Short: "Batch transform of raw Gmail messages into privacy-tiered, redacted, embedded derived state",
	Long: `transform-worker reads stored raw emails and derives, per email, a privacy
tier, a redacted body and snippet, and multi-level embeddings, writing the
results back to Postgres.

Typical sequence:
  transform-worker capabilities   probe remote model services, write the registry
  transform-worker transform      run the batch pipeline
  transform-worker validate       check derived state for inconsistencies
  transform-worker serve          expose health, metrics and an HTTP trigger`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		NewServeCommand(),
		NewTransformCommand(),
		NewCapabilitiesCommand(),
		NewResetCommand(),
		NewValidateCommand(),
	)
}

// buildLogger constructs the process logger from configuration. Development
// gets a human console writer, everything else structured JSON.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		log = zerolog.New(out)
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// confirm prompts on stdin and returns true only for an explicit yes.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
