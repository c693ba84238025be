package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"feedrelay/config"
	"feedrelay/db"
	"feedrelay/hub"
	"feedrelay/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the relay gateway and coordinator",
		Description: `Starts the ingest gateway on the public port and the coordinator on
		the internal hub port. The gateway accepts webhook deliveries, serves
		the cached snapshot and proxies live-stream connections to the
		coordinator, which holds all subscriber connections.

		Run the migrate command once before the first start.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Gateway port",
				EnvVars: []string{"RELAY_PORT"},
				Value:   3000,
			},
			&cli.IntFlag{
				Name:    "hub-port",
				Usage:   "Coordinator port, not meant to be exposed publicly",
				EnvVars: []string{"RELAY_HUB_PORT"},
				Value:   3001,
			},
			&cli.StringFlag{
				Name:    "hub-url",
				Usage:   "Coordinator base URL, for deployments where the coordinator runs elsewhere",
				EnvVars: []string{"RELAY_HUB_URL"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location",
				EnvVars: []string{"RELAY_DATABASE"},
				Value:   "relay.db",
			},
			&cli.StringFlag{
				Name:    "allowed-origin",
				Usage:   "Origin allowed on browser-facing responses",
				EnvVars: []string{"RELAY_ALLOWED_ORIGIN"},
				Value:   "*",
			},
			&cli.IntFlag{
				Name:    "max-entries",
				Usage:   "Retention log size cap",
				EnvVars: []string{"RELAY_MAX_ENTRIES"},
				Value:   db.DefaultLimit,
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional TOML config file, explicit flags win over file values",
				EnvVars: []string{"RELAY_CONFIG"},
			},
		},
		Action: func(ctx *cli.Context) error {

			fmt.Println("Starting feedrelay...")

			settings, err := resolveSettings(ctx)
			if err != nil {
				return err
			}

			hubURL := settings.HubURL
			if hubURL == "" {
				hubURL = fmt.Sprintf("http://127.0.0.1:%d", settings.HubPort)
			}

			store, err := db.NewStore(settings.Database, settings.MaxEntries)
			if err != nil {
				return err
			}
			reader, err := db.NewReader(settings.Database)
			if err != nil {
				return err
			}

			registry := hub.NewRegistry()
			hubApp := hub.App(&hub.Config{
				AllowedOrigin: settings.AllowedOrigin,
				Registry:      registry,
			})
			gateway := server.Server(&server.ServerConfig{
				Store:         store,
				Reader:        reader,
				Hub:           hub.NewClient(hubURL),
				AllowedOrigin: settings.AllowedOrigin,
			})

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			var wg sync.WaitGroup

			go func() {
				<-c
				fmt.Println("Gracefully shutting down...")
				gateway.ShutdownWithTimeout(60 * time.Second)
				hubApp.ShutdownWithTimeout(60 * time.Second)
				registry.Shutdown()
				store.Close()
				reader.Close()
				defer wg.Add(-2) // Decrement the waitgroup counter by 2 after shutdown of gateway and coordinator
			}()

			go func() {
				fmt.Println("Starting coordinator...")
				if err := hubApp.Listen(fmt.Sprintf(":%d", settings.HubPort)); err != nil {
					log.Panic(err)
				}
			}()

			go func() {
				fmt.Println("Starting gateway...")
				if err := gateway.Listen(fmt.Sprintf(":%d", settings.Port)); err != nil {
					log.Panic(err)
				}
			}()

			// Wait for both the gateway and coordinator to shutdown
			wg.Add(2)
			wg.Wait()

			fmt.Println("Done!")

			return nil
		},
	}
}

// resolveSettings merges the optional config file with flag and environment
// values. A value set explicitly on the command line or in the environment
// always wins over the file.
func resolveSettings(ctx *cli.Context) (*config.TomlConfig, error) {
	var file *config.TomlConfig
	if path := ctx.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		file = loaded
	}

	settings := &config.TomlConfig{
		Port:          ctx.Int("port"),
		HubPort:       ctx.Int("hub-port"),
		HubURL:        ctx.String("hub-url"),
		Database:      ctx.String("database"),
		AllowedOrigin: ctx.String("allowed-origin"),
		MaxEntries:    ctx.Int("max-entries"),
	}

	if file == nil {
		return settings, nil
	}

	if !ctx.IsSet("port") && file.Port != 0 {
		settings.Port = file.Port
	}
	if !ctx.IsSet("hub-port") && file.HubPort != 0 {
		settings.HubPort = file.HubPort
	}
	if !ctx.IsSet("hub-url") && file.HubURL != "" {
		settings.HubURL = file.HubURL
	}
	if !ctx.IsSet("database") && file.Database != "" {
		settings.Database = file.Database
	}
	if !ctx.IsSet("allowed-origin") && file.AllowedOrigin != "" {
		settings.AllowedOrigin = file.AllowedOrigin
	}
	if !ctx.IsSet("max-entries") && file.MaxEntries != 0 {
		settings.MaxEntries = file.MaxEntries
	}

	return settings, nil
}
