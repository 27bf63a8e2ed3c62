package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"compass/internal/app"
	"compass/internal/config"
	"compass/pkg/logging"
)

var (
	serveConfigPath string
	serveDebug      bool
)

// serveCmd starts the aggregation and discovery server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compass server",
	Long: `Starts the aggregation and discovery server: connects to the relational
store, Redis and the vector index, reconciles the capability registry,
re-establishes persisted backend connections and serves MCP plus the REST
API on the configured port.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath := serveConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr, cfg.Logging.JSON)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, rootCmd.Version)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "",
		"Directory containing config.yaml (default ~/.config/compass)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false,
		"Force debug logging regardless of the configured level")
}
