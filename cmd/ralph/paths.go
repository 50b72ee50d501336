package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

// layout resolves spec.md §6's on-disk layout relative to a project root,
// honoring the --db/--config overrides when the operator sets them.
type layout struct {
	projectRoot string
	dbPath      string
	configPath  string
	knowledge   string
	features    string
}

func resolveLayout(cmd *cobra.Command) (layout, error) {
	root, err := cmd.Flags().GetString("project-root")
	if err != nil {
		return layout{}, err
	}
	db, err := cmd.Flags().GetString("db")
	if err != nil {
		return layout{}, err
	}
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return layout{}, err
	}

	ralphDir := filepath.Join(root, ".ralph")
	if db == "" {
		db = filepath.Join(ralphDir, "progress.db")
	}
	if cfgPath == "" {
		cfgPath = filepath.Join(root, "ralph.toml")
	}

	return layout{
		projectRoot: root,
		dbPath:      db,
		configPath:  cfgPath,
		knowledge:   filepath.Join(ralphDir, "knowledge"),
		features:    filepath.Join(ralphDir, "features"),
	}, nil
}
