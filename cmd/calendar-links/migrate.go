package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/goliatone/go-calendar-links/adapters/gologger"
	"github.com/goliatone/go-calendar-links/adapters/slogger"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations and exit.",
		Flags: databaseFlags(),
		Action: func(c *cli.Context) error {
			loggers := gologger.Resolve("calendar-links", slogger.NewProvider(slogger.NewJSON(c.App.Writer, c.String("log-level"))), nil)
			logger := loggers.Named("migrate")

			client, err := openPersistence(c.Context, c.String("db-driver"), c.String("db-dsn"), c.Bool("db-debug"))
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if err := client.Migrate(c.Context); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "driver", c.String("db-driver"))
			return nil
		},
	}
}
