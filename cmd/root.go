package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedrelay",
		Usage: "A push-driven feed ingestion relay with live fan-out",
		Description: `Feedrelay accepts pushed feed-update webhooks carrying RSS 2.0 or
		Atom payloads, normalizes them into a uniform entry format, keeps a
		bounded deduplicated log of recent entries in SQLite, and fans new
		entries out in real time to connected clients over server-sent
		events.

		Flags can generally be set via environment variables, e.g.:

		--database => RELAY_DATABASE=relay.db
		--port => RELAY_PORT=3000
		`,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			parseCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
