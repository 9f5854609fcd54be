package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/packflow/internal/infrastructure/config"
)

// defaultConfigPath is read when neither --config nor PACKFLOW_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands independently.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "packflow",
		Short: "Prompt-pack automation engine",
		Long: `packflow turns workspace events into prompt-pack executions.

Commands:
  serve    - run the RPC API, WebSocket hub, MQTT ingress and sweeper
  sweep    - run one sweep of pending executions and due chain steps
  emit     - emit an event from the command line
  migrate  - apply, roll back or inspect schema migrations
  catalog  - import packs, triggers and chains from YAML
  version  - print build information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: $PACKFLOW_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(opts),
		newSweepCmd(opts),
		newEmitCmd(opts),
		newMigrateCmd(opts),
		newCatalogCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the configuration the flags point at.
//
// An explicitly named file must exist. When only the default path is in
// play and it is absent, built-in defaults with environment overrides are
// used and validated.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path, explicit := o.configPath, true
	if path == "" {
		path = os.Getenv("PACKFLOW_CONFIG")
	}
	if path == "" {
		path, explicit = defaultConfigPath, false
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg = config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	return cfg, nil
}
