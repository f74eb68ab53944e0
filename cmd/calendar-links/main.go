// Command calendar-links serves per-user calendar provider links and the
// unified timeline over HTTP.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calendar-links",
		Usage: "Link user calendars from Google, Microsoft and CalDAV into one timeline.",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("calendar-links failed", "error", err)
		os.Exit(1)
	}
}
