package infra

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ContainerConfig describes the throwaway Postgres used by the stress run.
type ContainerConfig struct {
	Image    string
	Database string
	// MaxConnections must cover the fleet pool plus the chaos and oracle
	// connections opened beside it.
	MaxConnections int
}

// DefaultContainerConfig sizes the server for ApplyMigrations' pool.
// STRESS_TEST_PG_IMAGE overrides the image.
func DefaultContainerConfig() ContainerConfig {
	image := os.Getenv("STRESS_TEST_PG_IMAGE")
	if image == "" {
		image = "postgres:16"
	}
	return ContainerConfig{
		Image:          image,
		Database:       "escrow",
		MaxConnections: poolMaxConns * 4,
	}
}

type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres starts a labelled Postgres container and returns a DSN that
// tags every session with ApplicationName.
func StartPostgres(ctx context.Context, cfg ContainerConfig) (*PGContainer, string, error) {
	pgC, err := postgres.Run(ctx,
		cfg.Image,
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithCmdArgs("-c", "max_connections="+strconv.Itoa(cfg.MaxConnections)),
		testcontainers.WithLabels(map[string]string{"escrowflow.suite": ApplicationName}),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", cfg.Image, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name="+ApplicationName)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
