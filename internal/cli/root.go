package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/config"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gansauditor-codex",
	Short: "GansAuditor-Codex - iterative code auditing over MCP",
	Long: `GansAuditor-Codex is an MCP server that audits code-bearing thoughts.

It speaks line-delimited JSON-RPC on stdin/stdout and exposes a single
tool, gansauditor_codex. Each submitted thought that carries code is
reviewed by an external reviewer process, scored against a weighted
rubric, and answered with completion status and structured feedback so
the caller can iterate until the work passes.

Run it from an MCP client configuration, e.g.:
  {"command": "gansauditor-codex", "env": {"ENABLE_GAN_AUDITING": "true"}}`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .gansauditor.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	rootCmd.Flags().String("state-dir", "", "directory for persisted session state")
	rootCmd.Flags().String("reviewer-command", "", "reviewer binary invoked for audits")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("sessions.state_directory", rootCmd.Flags().Lookup("state-dir"))
	_ = viper.BindPFlag("reviewer.command", rootCmd.Flags().Lookup("reviewer-command"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gansauditor")
	}

	viper.SetEnvPrefix("GANSAUDITOR")
	viper.AutomaticEnv()
	config.BindEnv()
	config.SetDefaults()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
