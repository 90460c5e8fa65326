package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stewardmcp/steward/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Interactive configuration wizard",
	Long: `Configure walks through API keys and tool-server definitions and
writes the result to the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		wizard := config.NewWizard()
		cfg, err := wizard.Run()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		loader := config.NewLoader(cfgFile)
		if err := loader.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", loader.GetConfigPath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
