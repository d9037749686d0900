package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/mcp-memory/internal/config"
	registrymigrate "github.com/chirino/mcp-memory/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	_ "github.com/chirino/mcp-memory/internal/plugin/store/postgres"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database schema migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-host",
				Sources:     cli.EnvVars("POSTGRES_HOST"),
				Destination: &cfg.DBHost,
				Value:       cfg.DBHost,
				Usage:       "Postgres host",
			},
			&cli.IntFlag{
				Name:        "db-port",
				Sources:     cli.EnvVars("POSTGRES_PORT"),
				Destination: &cfg.DBPort,
				Value:       cfg.DBPort,
				Usage:       "Postgres port",
			},
			&cli.StringFlag{
				Name:        "db-user",
				Sources:     cli.EnvVars("POSTGRES_USER"),
				Destination: &cfg.DBUser,
				Value:       cfg.DBUser,
				Usage:       "Postgres user",
			},
			&cli.StringFlag{
				Name:        "db-password",
				Sources:     cli.EnvVars("POSTGRES_PASSWORD"),
				Destination: &cfg.DBPassword,
				Value:       cfg.DBPassword,
				Usage:       "Postgres password",
			},
			&cli.StringFlag{
				Name:        "db-name",
				Sources:     cli.EnvVars("POSTGRES_DB"),
				Destination: &cfg.DBName,
				Value:       cfg.DBName,
				Usage:       "Postgres database name",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...")
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
