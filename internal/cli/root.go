// Package cli implements the agent-runtime CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rcliao/agent-runtime/internal/config"
	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/observability"
	"github.com/rcliao/agent-runtime/internal/store"
	"github.com/spf13/cobra"
)

var (
	rootDir    string
	configPath string
	logLevel   string
	logFormat  string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "agent-runtime",
	Short: "Durable threads, episodic memory, and cron triggers for personal agents",
	Long: "Runtime core for personal agents: append-only conversation threads, a searchable " +
		"episodic memory index, and a cron trigger scheduler. Output is JSON.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Storage root (default: $AGENT_RUNTIME_ROOT or ~/.agent-runtime)")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $AGENT_RUNTIME_CONFIG or <root>/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func loadConfig() *config.Config {
	cfg, err := config.LoadWithRoot(configPath, rootDir)
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func newLogger() *slog.Logger {
	logger, err := observability.NewLogger(os.Stderr, logFormat, logLevel)
	if err != nil {
		exitErr("logger", err)
	}
	return logger
}

func openStore(cfg *config.Config) *store.Store {
	s, err := store.New(store.Config{
		Root:     cfg.Root,
		Embedder: newEmbedder(cfg),
		Logger:   newLogger(),
	})
	if err != nil {
		exitErr("open store", err)
	}
	return s
}

func newEmbedder(cfg *config.Config) embedding.Embedder {
	e, err := embedding.New(cfg.Embedding)
	if err != nil {
		exitErr("embedder", err)
	}
	return e
}

// readText returns the positional args joined, or stdin when it is piped.
func readText(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
