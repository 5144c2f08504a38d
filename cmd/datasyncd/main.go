// Command datasyncd runs a standalone datasync table server: the HTTP
// backend that sync clients push to and pull from.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marcus/datasync/server"
)

// fileConfig is the on-disk YAML shape.
type fileConfig struct {
	Server server.Config `yaml:"server"`
	Log    struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaultConfig() fileConfig {
	var cfg fileConfig
	cfg.Server.Addr = ":8080"
	cfg.Server.DatabasePath = "datasync.db"
	cfg.Server.SoftDelete = true
	cfg.Log.Level = "info"
	return cfg
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level: %w", err)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "datasyncd",
		Short:         "Datasync table server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the table API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg.Server, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logger.Info().Msg("shut down")
			return nil
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "datasyncd:", err)
		os.Exit(1)
	}
}
