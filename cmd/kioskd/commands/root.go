package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is adjusted from --log-level before any command runs.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "kioskd",
	Short: "Kiosk provisioning and lockdown daemon",
	Long: `Takes a device from boot to a single-purpose kiosk: waits for boot readiness,
reads the provisioning descriptor, joins the designated network, installs and
launches the payload, then locks the device down.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := LogLevel.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
			return fmt.Errorf("invalid log-level %q: %w", viper.GetString("log-level"), err)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("descriptor-path", "/srv/kiosk/config.json", "Provisioning descriptor path")
	rootCmd.PersistentFlags().String("storage-root", "/srv/kiosk", "Storage root for relative payload paths")
	rootCmd.PersistentFlags().String("apps-dir", "/var/lib/kioskd/apps", "Installed payload directory")
	rootCmd.PersistentFlags().String("cache-dir", "/var/cache/kioskd", "Remote artifact cache")
	rootCmd.PersistentFlags().String("sqlite-path", "/var/lib/kioskd/kioskd.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", "/var/lib/kioskd/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 compatible endpoint URL")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"descriptor-path", "storage-root", "apps-dir", "cache-dir",
		"sqlite-path", "fsm-db-path", "s3-region", "s3-endpoint", "log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
