package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/nabokov/internal/progress"
	"github.com/ziadkadry99/nabokov/internal/server"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed every card and save the semantic search index",
	Long:  `Rebuilds the semantic card index card by card and saves it next to the database, so the MCP server and the next backend start can reuse it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Search.Provider == "" {
			return fmt.Errorf("semantic search is disabled; set search.provider in %s", cfgFile)
		}
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
		all, err := o.cards.List(ctx)
		if err != nil {
			return err
		}

		reporter := progress.NewReporter("Reindexing cards")
		reporter.Start(len(all))
		for i, c := range all {
			if err := ix.Index(ctx, c); err != nil {
				reporter.Finish()
				return err
			}
			reporter.Update(i+1, c.Title())
		}
		reporter.Finish()

		dir := filepath.Dir(cfg.Storage.Path)
		if err := ix.Persist(dir); err != nil {
			return fmt.Errorf("saving index: %w", err)
		}
		fmt.Printf("Indexed %d cards with %s into %s\n", ix.Count(), ix.Embedder(), dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
