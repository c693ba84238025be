package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"feedrelay/feed"
	"feedrelay/models"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func parseCmd() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Parse a feed document and print the normalized entries",
		ArgsUsage: "[file]",
		Description: `Parses an RSS 2.0 or Atom document from the given file, or from
		stdin when no file is given, and prints each normalized entry as a
		JSON object on a single line. Use a tool like jq to process the
		output.

		Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "topic",
				Usage: "Source name to use when the document has no channel or feed title",
			},
		},
		Action: func(ctx *cli.Context) error {
			// Disable logging to stdout
			log.SetOutput(os.Stderr)

			var raw []byte
			var err error
			if ctx.Args().Len() > 0 {
				raw, err = os.ReadFile(ctx.Args().First())
			} else {
				raw, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return err
			}

			entries, err := feed.Parse(string(raw), ctx.String("topic"))
			if err != nil {
				return fmt.Errorf("failed to parse document: %w", err)
			}

			for _, entry := range entries {
				printStdout(&entry)
			}

			return nil
		},
	}
}

func printStdout(entry *models.Entry) {
	// Print as single JSON string on a single line
	entryJson, err := json.Marshal(entry)
	if err == nil {
		fmt.Println(string(entryJson))
	}
}
