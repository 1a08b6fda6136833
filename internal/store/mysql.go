package store

import (
	"fmt"

	"altimeter-sync-service/internal/config"
	"altimeter-sync-service/internal/database"
)

// New opens the state store selected by cfg.Type.
func New(cfg config.StateStorage) (*SQLStore, error) {
	switch cfg.Type {
	case database.DialectMySQL:
		return NewMySQLStore(cfg)
	case database.DialectSQLite:
		return NewSQLiteStore(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unsupported state storage type %q", cfg.Type)
	}
}

func NewMySQLStore(cfg config.StateStorage) (*SQLStore, error) {
	db, err := database.NewMySQL(cfg)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db), nil
}

func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := database.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db), nil
}
