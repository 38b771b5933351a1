// ledgerd is the certledger server and its operator tooling.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/config"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Tamper-evident certification ledger",
	Long: `ledgerd certifies AI-governance events into per-tenant hash chains and
lets auditors verify those chains independently.

Configuration is read from configs/ledgerd.yaml (or --config) and can be
overridden with environment variables such as STORE_DRIVER or DATABASE_URL.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := zap.NewProduction()
		if err != nil {
			return err
		}
		logger = l

		var found bool
		cfg, found, err = config.Load(config.New(cfgFile))
		if err != nil {
			return err
		}
		if !found {
			logger.Warn("no config file found, using defaults and env vars")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerd version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("ledgerd " + version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledgerd.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}
