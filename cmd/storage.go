package cmd

import (
	"fmt"

	"github.com/nextlevelbuilder/goconvo/internal/config"
	"github.com/nextlevelbuilder/goconvo/internal/store"
	"github.com/nextlevelbuilder/goconvo/internal/store/memory"
	"github.com/nextlevelbuilder/goconvo/internal/store/pg"
	"github.com/nextlevelbuilder/goconvo/internal/store/sqlite"
)

// openStore builds the conversation store selected by the config.
func openStore(cfg *config.Config) (store.ConversationStore, func() error, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "sqlite", "":
		s, err := sqlite.Open(config.ExpandHome(cfg.Storage.Path))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("GOCONVO_POSTGRES_DSN is not set")
		}
		db, err := pg.OpenDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg.New(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
