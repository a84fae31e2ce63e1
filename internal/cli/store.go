package cli

import (
	"fmt"
	"path/filepath"

	"github.com/JaisonBinns/nanoclaw/internal/config"
	"github.com/JaisonBinns/nanoclaw/internal/store"
)

// openState loads the configuration and opens the state store it names.
func openState() (*config.Config, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := config.EnsureDir(filepath.Dir(cfg.Paths.StorePath)); err != nil {
		return nil, err
	}
	return store.Open(cfg.Paths.StorePath)
}
