package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/nabokov/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize nabokov configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to choose the LLM provider, storage path, port and search backend, and writes a .nabokov.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
