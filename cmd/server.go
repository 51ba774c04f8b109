package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/server"
)

var (
	serverPort     int
	serverAllowAll bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the local backend the browser extension talks to",
	Long: `Starts the nabokov backend: the LLM proxy, card and connection storage,
the canvas synchronizer, chat windows, generation pipelines, semantic search
and the /ws/events change feed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}
		if serverAllowAll {
			cfg.Server.AllowAllOrigins = true
		}

		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		database, err := db.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		app, err := server.NewApp(cfg, database, logger)
		if err != nil {
			return err
		}

		// Graceful shutdown.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("nabokov server starting",
			zap.String("version", Version),
			zap.String("addr", cfg.Server.Addr()),
			zap.String("database", cfg.Storage.Path),
			zap.String("provider", app.Gateway.ProviderName()),
			zap.Bool("search", app.Index != nil))

		return app.Run(ctx)
	},
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 3100, "Port to listen on (overrides server.port)")
	serverCmd.Flags().BoolVar(&serverAllowAll, "allow-all-origins", false, "Allow every CORS origin (development)")
	rootCmd.AddCommand(serverCmd)
}
