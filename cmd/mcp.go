package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mcpserver "github.com/ziadkadry99/nabokov/internal/mcp"
	"github.com/ziadkadry99/nabokov/internal/server"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI agent integration",
	Long: `Starts a Model Context Protocol (MCP) server on stdio, exposing card
search, card lookup, connections and note creation to AI agents. Notes it
creates show up in a running backend through its data file watcher.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// stdout carries the protocol; the logger writes to stderr.
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		o, err := openOffline(cfg, logger)
		if err != nil {
			return err
		}
		defer o.Close()

		ctx := context.Background()
		ix, err := server.NewSearchIndex(ctx, cfg, o.local, o.cards, logger)
		if err != nil {
			return err
		}
		if ix != nil {
			// Prefer the index saved by the last server run or reindex.
			dir := filepath.Dir(cfg.Storage.Path)
			if err := ix.Load(dir); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					logger.Warn("loading saved search index", zap.Error(err))
				}
				if _, err := ix.Rebuild(ctx); err != nil {
					logger.Warn("building search index; falling back to text search", zap.Error(err))
					ix = nil
				}
			}
		}

		logger.Info("nabokov MCP server started on stdio", zap.Bool("semantic_search", ix != nil))
		return mcpserver.NewServer(o.cards, ix, logger).Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
