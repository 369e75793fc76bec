package main

import (
	"fmt"

	"github.com/alvmarrod/geoconvo/internal/config"
	"github.com/alvmarrod/geoconvo/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string

	rootCmd = &cobra.Command{
		Use:     "geoconvo",
		Short:   "Maps conversations between places from a live post stream",
		Version: version.Version,
		Long: `geoconvo consumes a stream of posts, links replies, retweets and quotes
between the places they were posted from, and pushes the resulting
conversation map to websocket clients as GeoJSON.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Consume the stream and serve the conversation map",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in serve.go
	}

	placesCmd = &cobra.Command{
		Use:   "places",
		Short: "Manage the gazetteer database",
	}
	placesImportCmd = &cobra.Command{
		Use:   "import [csv file]",
		Short: "Import populated places from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlacesImport, // Defined in places.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the JSON or YAML configuration file")

	placesImportCmd.Flags().StringVar(&dbPath, "db", "", "gazetteer database path (overrides places.db_path)")

	placesCmd.AddCommand(placesImportCmd)
	rootCmd.AddCommand(serveCmd, placesCmd)
}

// loadConfig reads the configured file and applies its log level
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)
	return cfg, nil
}
