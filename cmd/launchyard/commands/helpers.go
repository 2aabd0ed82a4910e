package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/launchyard/launchyard/pkg/config"
	"github.com/launchyard/launchyard/pkg/stores"
	"github.com/launchyard/launchyard/pkg/workflow"
)

// loadConfig reads the --config file, or defaults when it is unset.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the run database.
func openStore(ctx context.Context, cfg stores.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// consoleSink prints job output prefixed with the job ID.
type consoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ workflow.LogSink = (*consoleSink)(nil)

func (c *consoleSink) WriteLog(_ context.Context, stageID, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "[%s] %s\n", stageID, line)
	return err
}
