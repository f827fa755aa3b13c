package main

import (
	"fmt"
	"os"

	"bookingd/internal/config"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bookingd",
	Short: "Appointment scheduling and reminder engine",
	Long: `bookingd books appointments against business hours and existing bookings,
keeps an external calendar in sync and sends reminders before each visit.

The config file is read from --config, then $BOOKINGD_CONFIG, then
configs/config.yaml. Values may reference environment variables as ${NAME};
a .env file in the working directory is loaded first.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd(), reconcileCmd(), remindCmd(), exportCmd(), reportCmd())
}

// loadConfig reads the config and builds the logger it describes.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	return cfg, newLogger(cfg.Logging.Level, cfg.Logging.Format), nil
}
