// Costctl prices protocols and inspects the cost ledger from the command line.
//
// Usage:
//
//	costctl calculate --age 3 --sex female --ivf
//	costctl apply --animal BZ-10 --age 3 --sex male
//	costctl ledger total --animal BZ-10
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/beefsync/costengine/internal/domain"
	"github.com/beefsync/costengine/internal/rules"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defaults := domain.DefaultConfig()

	app := &cli.App{
		Name:    "costctl",
		Usage:   "Animal protocol cost calculator and ledger client",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"COSTENGINE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "catalog",
				Usage:   "Path to a YAML rule catalog (default: built-in cost sheet)",
				EnvVars: []string{"COSTENGINE_CATALOG"},
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json)",
			},
			&cli.StringFlag{
				Name:    "db-driver",
				Value:   defaults.Repository.Driver,
				Usage:   "Cost gateway driver (sqlite, postgres, mysql, http)",
				EnvVars: []string{"COSTENGINE_DB_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Value:   defaults.Repository.SQLitePath,
				Usage:   "SQLite database file",
				EnvVars: []string{"COSTENGINE_SQLITE_PATH"},
			},
			&cli.StringFlag{
				Name:    "postgres-host",
				Value:   "localhost",
				Usage:   "PostgreSQL host",
				EnvVars: []string{"COSTENGINE_POSTGRES_HOST"},
			},
			&cli.IntFlag{
				Name:    "postgres-port",
				Value:   5432,
				Usage:   "PostgreSQL port",
				EnvVars: []string{"COSTENGINE_POSTGRES_PORT"},
			},
			&cli.StringFlag{
				Name:    "postgres-user",
				Usage:   "PostgreSQL user",
				EnvVars: []string{"COSTENGINE_POSTGRES_USER"},
			},
			&cli.StringFlag{
				Name:    "postgres-password",
				Usage:   "PostgreSQL password",
				EnvVars: []string{"COSTENGINE_POSTGRES_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "postgres-db",
				Value:   "costengine",
				Usage:   "PostgreSQL database",
				EnvVars: []string{"COSTENGINE_POSTGRES_DB"},
			},
			&cli.StringFlag{
				Name:    "mysql-dsn",
				Usage:   "MySQL DSN",
				EnvVars: []string{"COSTENGINE_MYSQL_DSN"},
			},
			&cli.StringFlag{
				Name:    "gateway-url",
				Usage:   "Base URL of a remote cost gateway (driver http)",
				EnvVars: []string{"COSTENGINE_GATEWAY_URL"},
			},
			&cli.DurationFlag{
				Name:    "gateway-timeout",
				Value:   defaults.Repository.GatewayTimeout,
				Usage:   "Remote gateway request timeout",
				EnvVars: []string{"COSTENGINE_GATEWAY_TIMEOUT"},
			},
		},

		Before: func(c *cli.Context) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
				return fmt.Errorf("invalid log level %q", c.String("log-level"))
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},

		Commands: []*cli.Command{
			bracketsCommand(),
			calculateCommand(),
			applyCommand(),
			catalogCommand(),
			ledgerCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func repositoryConfig(c *cli.Context) domain.RepositoryConfig {
	return domain.RepositoryConfig{
		Driver:           c.String("db-driver"),
		SQLitePath:       c.String("sqlite-path"),
		PostgresHost:     c.String("postgres-host"),
		PostgresPort:     c.Int("postgres-port"),
		PostgresUser:     c.String("postgres-user"),
		PostgresPassword: c.String("postgres-password"),
		PostgresDB:       c.String("postgres-db"),
		MySQLDSN:         c.String("mysql-dsn"),
		GatewayURL:       c.String("gateway-url"),
		GatewayTimeout:   c.Duration("gateway-timeout"),
	}
}

func loadCatalog(c *cli.Context) (*rules.Catalog, error) {
	if path := c.String("catalog"); path != "" {
		return rules.LoadCatalogFile(path)
	}
	return rules.DefaultCatalog()
}

func newCalculator(c *cli.Context) (*rules.Calculator, error) {
	catalog, err := loadCatalog(c)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return rules.NewCalculator(catalog, slog.Default())
}

// animalFlags are shared by calculate and apply.
func animalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:     "age",
			Aliases:  []string{"a"},
			Usage:    "Age in whole months",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "sex",
			Aliases:  []string{"s"},
			Usage:    "Sex (male, female, m, f, macho, femea)",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "ivf",
			Usage: "Animal is of IVF origin",
		},
		&cli.BoolFlag{
			Name:  "surrogate",
			Usage: "Animal was carried by a surrogate dam",
		},
	}
}

func animalFromFlags(c *cli.Context, id string) (domain.AnimalSnapshot, error) {
	sex, err := domain.ParseSex(c.String("sex"))
	if err != nil {
		return domain.AnimalSnapshot{}, err
	}
	return domain.AnimalSnapshot{
		ID:              id,
		AgeMonths:       c.Int("age"),
		Sex:             sex,
		IsIVFOrigin:     c.Bool("ivf"),
		HasSurrogateDam: c.Bool("surrogate"),
	}, nil
}
