package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alvmarrod/geoconvo/internal/config"
	"github.com/alvmarrod/geoconvo/internal/metrics"
	"github.com/alvmarrod/geoconvo/internal/places"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func runPlacesImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// The importer only needs the database path
		if dbPath == "" || !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	}
	if dbPath != "" {
		cfg.Places.DBPath = dbPath
	}

	gazetteer, err := places.Open(cfg.Places.DBPath, cfg.Places.CacheSize, metrics.NewTracker())
	if err != nil {
		return fmt.Errorf("failed to open gazetteer: %w", err)
	}
	defer gazetteer.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open CSV: %w", err)
	}
	defer f.Close()

	imported, err := gazetteer.Import(f)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", args[0], err)
	}

	total, err := gazetteer.CountPlaces()
	if err != nil {
		return err
	}
	logrus.Infof("Imported %d places into %s (%d total)", imported, cfg.Places.DBPath, total)
	return nil
}
