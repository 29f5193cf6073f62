package main

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"datagate/internal/config"
	"datagate/internal/database"
	"datagate/internal/database/migration"
	"datagate/internal/repository"
	"datagate/internal/repository/memory"
	"datagate/internal/repository/postgres"
)

type stores struct {
	db            *sql.DB
	tokens        repository.TokenRepository
	datasets      repository.DatasetRepository
	notifications repository.NotificationRepository
}

func (s *stores) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func openStores(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("using in-memory store; state is lost on restart", zap.String("event", "store_memory"))
		notes := memory.NewNotificationRepository()
		return &stores{
			tokens:        memory.NewTokenRepository(),
			datasets:      memory.NewDatasetRepository(notes),
			notifications: notes,
		}, nil
	case config.DriverPostgres:
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := migration.EnsureMigrated(ctx, db, log, cfg.Database.Host); err != nil {
			db.Close()
			return nil, err
		}
		return &stores{
			db:            db,
			tokens:        postgres.NewTokenPostgres(db),
			datasets:      postgres.NewDatasetPostgres(db),
			notifications: postgres.NewNotificationPostgres(db),
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
