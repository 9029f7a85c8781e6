// Command nstore inspects and maintains nstore data folders.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kk-code-lab/nstore/internal/app"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		code, quiet := exitCode(err)
		if !quiet {
			logrus.Errorf("nstore: %v", err)
		}
		os.Exit(code)
	}
}

func newApp() *cli.App {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "nstore %s (commit %s)\n", app.Version, app.BuildCommit)
	}
	return &cli.App{
		Name:    "nstore",
		Usage:   "Inspect and maintain object version stores",
		Version: app.Version,
		// Exit codes are decided in main.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path of the YAML config file", EnvVars: []string{"NSTORE_CONFIG"}, TakesFile: true},
			&cli.StringFlag{Name: "data-dir", Usage: "Data directory, overrides the config file", EnvVars: []string{"NSTORE_DATA_DIR"}},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User whose store to operate on", EnvVars: []string{"NSTORE_USER"}},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", EnvVars: []string{"LOG_LEVEL"}},
			&cli.BoolFlag{Name: "json", Usage: "Print reports as JSON"},
		},
		Commands: []*cli.Command{
			statusCommand(),
			fsckCommand(),
			reapCommand(),
			snapshotCommand(),
			lsCommand(),
			inspectCommand(),
			catCommand(),
			putCommand(),
			archiveCommand(),
			rmCommand(),
			eventsCommand(),
			usageCommand(),
		},
	}
}
