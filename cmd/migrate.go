package cmd

import (
	"fmt"

	"feedrelay/db"

	"github.com/urfave/cli/v2"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Run database migrations",
		Description: `Runs database migrations on the configured database. Will create the database if it does not exist.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location",
				EnvVars: []string{"RELAY_DATABASE"},
				Value:   "relay.db",
			},
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Database configured: ", ctx.String("database"))
			return db.Migrate(ctx.String("database"))
		},
	}
}

func rollbackCmd() *cli.Command {
	return &cli.Command{
		Name:        "rollback",
		Usage:       "Rollback the most recent database migration",
		Description: `Rolls back the most recent migration on the configured database.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location",
				EnvVars: []string{"RELAY_DATABASE"},
				Value:   "relay.db",
			},
		},
		Action: func(ctx *cli.Context) error {
			fmt.Println("Database configured: ", ctx.String("database"))
			return db.Rollback(ctx.String("database"))
		},
	}
}
