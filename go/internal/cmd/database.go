package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/dbconfig"
)

func setupDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	pool, err := pgxpool.New(ctx, dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	event := log.Info()
	if dbCfg.URL == "" {
		event = event.Str("host", dbCfg.Host).Int("port", dbCfg.Port).Str("database", dbCfg.Database)
	}
	event.Msg("connected to database")
	return pool, nil
}
