package cli

import (
	"errors"
	"fmt"

	"github.com/harun/vigil/internal/config"
	"github.com/harun/vigil/internal/daemon"
	"github.com/harun/vigil/internal/logger"
	"github.com/harun/vigil/pkg/gateway"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Vigil daemon in the foreground",
	Long: `Start the Vigil daemon in the foreground.
The daemon binds the control-plane listener, restores sessions and provider
health, and runs scheduled jobs until it receives SIGINT or SIGTERM or a
daemon.stop request. Exits with status 98 when another instance already
owns the listen address.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lg, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	d, err := daemon.New(cfg, lg)
	if err != nil {
		if errors.Is(err, gateway.ErrAddressInUse) {
			return &ExitError{Code: ExitAddressInUse, Err: fmt.Errorf("another vigil instance owns the listener: %w", err)}
		}
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	return d.Wait()
}

// loadConfig loads and validates the configuration, applying flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loggerConfig maps configuration onto the logger, registering every
// credential as a literal secret.
func loggerConfig(cfg *config.Config) logger.Config {
	secrets := []string{cfg.Gateway.SharedSecret}
	for _, p := range cfg.AI.Profiles {
		secrets = append(secrets, p.APIKey)
	}
	return logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Patterns:  cfg.Logging.RedactPatterns,
		Secrets:   secrets,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	}
}
