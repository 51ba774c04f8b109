package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/nabokov/internal/activity"
	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/chatwindow"
	"github.com/ziadkadry99/nabokov/internal/db"
)

var (
	exportOutput string
	importMode   string
	importDryRun bool
	chatsDays    int
	activityCard string
	activityN    int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every card and connection as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := openOffline(cfg, nil)
		if err != nil {
			return err
		}
		defer o.Close()

		exp, err := o.cards.Export(context.Background())
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("creating %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exp); err != nil {
			return err
		}
		if out != os.Stdout {
			fmt.Fprintf(os.Stderr, "Exported %d cards and %d connections to %s\n",
				len(exp.Cards), len(exp.Connections), exportOutput)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import cards and connections from an export file",
	Long: `Validates the file against the import schema, migrates older versions
and writes it in one step. Merge mode replaces cards with matching ids and
keeps the rest; replace mode discards the stored collection.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := cards.ImportMode(importMode)
		if mode != cards.ImportMerge && mode != cards.ImportReplace {
			return fmt.Errorf("invalid --mode %q: must be merge or replace", importMode)
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := openOffline(cfg, nil)
		if err != nil {
			return err
		}
		defer o.Close()

		if importDryRun {
			exp, err := o.cards.ValidateImport(data)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid: %d cards, %d connections\n", args[0], len(exp.Cards), len(exp.Connections))
			return nil
		}

		res, err := o.cards.Import(context.Background(), data, mode)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d cards and %d connections (%s)\n", res.Cards, res.Connections, mode)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show card, connection and storage statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		o, err := openOffline(cfg, nil)
		if err != nil {
			return err
		}
		defer o.Close()

		ctx := context.Background()
		st, err := o.cards.Stats(ctx)
		if err != nil {
			return err
		}
		usage, err := o.local.Usage(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Cards:        %d (%d visible, %d stashed, %d starred, %d generated)\n",
			st.Total, st.Visible, st.Stashed, st.Starred, st.Generated)
		fmt.Printf("Connections:  %d\n", st.Connections)
		fmt.Printf("Storage:      %d / %d bytes (%.1f%%)\n", usage.BytesInUse, usage.Quota, usage.Ratio*100)
		if usage.NearLimit {
			fmt.Println("              warning: storage is nearly full")
		}
		if len(st.Domains) > 0 {
			fmt.Println("Top domains:")
			for _, d := range topCounts(st.Domains, 5) {
				fmt.Printf("  %-30s %d\n", d, st.Domains[d])
			}
		}
		return nil
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage saved element chat sessions",
}

var chatsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete element chat sessions inactive for longer than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		days := cfg.Chat.StaleAfterDays
		if cmd.Flags().Changed("days") {
			days = chatsDays
		}
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}

		o, err := openOffline(cfg, nil)
		if err != nil {
			return err
		}
		defer o.Close()

		n, err := chatwindow.NewSessionStore(o.local).ClearOld(context.Background(), time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d chat sessions older than %d days\n", n, days)
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the most recent card and connection changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		entries, err := activity.NewStore(database).Query(context.Background(), activity.QueryFilter{
			CardID: activityCard,
			Limit:  activityN,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No activity recorded.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-9s %-20s %s\n", e.At.Local().Format(time.DateTime), e.Actor, e.Action, e.CardID)
		}
		return nil
	},
}

// topCounts returns up to n keys ordered by descending count, then name.
func topCounts(m map[string]int, n int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	importCmd.Flags().StringVar(&importMode, "mode", string(cards.ImportMerge), "merge or replace")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate without writing")
	activityCmd.Flags().StringVar(&activityCard, "card", "", "only show changes to this card id")
	activityCmd.Flags().IntVarP(&activityN, "limit", "n", 20, "number of entries")
	chatsCleanCmd.Flags().IntVar(&chatsDays, "days", 30, "inactivity threshold in days (default chat.stale_after_days)")

	chatsCmd.AddCommand(chatsCleanCmd)
	rootCmd.AddCommand(exportCmd, importCmd, statsCmd, chatsCmd, activityCmd)
}
