package cmd

import (
	"fmt"

	"feedrelay/db"

	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the retention log",
		Description: `Re-runs the dedup, sort and truncate pass over the stored retention
		log. Run it after lowering the retention limit to shrink the stored
		log to the new cap.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location",
				EnvVars: []string{"RELAY_DATABASE"},
				Value:   "relay.db",
			},
			&cli.IntFlag{
				Name:    "max-entries",
				Usage:   "Retention log size cap",
				EnvVars: []string{"RELAY_MAX_ENTRIES"},
				Value:   db.DefaultLimit,
			},
		},
		Action: func(ctx *cli.Context) error {
			database := ctx.String("database")
			fmt.Println("Database configured: ", database)
			return db.Tidy(database, ctx.Int("max-entries"))
		},
	}
}
