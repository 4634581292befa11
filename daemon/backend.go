package daemon

import (
	"fmt"

	"github.com/brandon-relentnet/scrollr-sub001/config"
	"github.com/brandon-relentnet/scrollr-sub001/internal/logging"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/badgerkv"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/filekv"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/memkv"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/sqlite"
)

// OpenBackend opens the key-value backend cfg selects.
func OpenBackend(cfg config.Config) (persist.Backend, error) {
	var (
		b   persist.Backend
		err error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err = sqlite.Open(cfg.StorePath())
	case config.BackendBadger:
		b, err = badgerkv.Open(badgerkv.Config{Dir: cfg.StorePath(), Logger: logging.Component("badger")})
	case config.BackendFile:
		b, err = filekv.Open(cfg.StorePath())
	case config.BackendMemory:
		b = memkv.New()
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	return b, nil
}
