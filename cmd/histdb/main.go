package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/andreyvit/histdb"
	"github.com/andreyvit/histdb/config"
)

type metadata struct {
	config *config.Config
	log    *logrus.Logger
	w      io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "histdb"
	app.Usage = "store and query state history"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "histdb.toml",
			Usage: " configuration `FILE`",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Value: "info",
			Usage: " log `LEVEL` [panic|fatal|error|warn|info|debug|trace]",
		},
		cli.BoolFlag{
			Name:  "log-json",
			Usage: " log as JSON",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "fill",
			Usage: "ingest blocks from the state history endpoint",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "reset",
					Usage: " delete the database before starting",
				},
			},
			Action: runFill,
		},
		{
			Name:  "replay",
			Usage: "apply blocks recorded in a journal",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "journal, j",
					Value: "",
					Usage: " journal `DIR` [journal_dir]",
				},
			},
			Action: runReplay,
		},
		{
			Name:      "query",
			Usage:     "run a named query",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "query, q",
					Value: "",
					Usage: "*query `NAME`",
				},
				cli.StringFlag{
					Name:  "args, a",
					Value: "",
					Usage: "*hex encoded query request `HEX`",
				},
			},
			Action: runQuery,
		},
		{
			Name:   "status",
			Usage:  "show head, irreversible block and table sizes",
			Action: runStatus,
		},
		{
			Name:  "dump",
			Usage: "print stored rows and index entries",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "prefix, p",
					Value: "",
					Usage: " list raw keys starting with `HEX` instead of tables",
				},
			},
			Action: runDump,
		},
	}

	app.Before = func(c *cli.Context) error {
		log := logrus.New()
		log.SetOutput(c.App.ErrWriter)
		level, err := logrus.ParseLevel(c.GlobalString("log-level"))
		if err != nil {
			return err
		}
		log.SetLevel(level)
		if c.GlobalBool("log-json") {
			log.SetFormatter(&logrus.JSONFormatter{})
		}

		if c.Args().Get(0) == "help" || c.NArg() == 0 {
			return nil
		}
		cfg, err := config.Load(c.GlobalString("config"))
		if err != nil {
			return err
		}
		c.App.Metadata["config"] = &metadata{
			config: cfg,
			log:    log,
			w:      c.App.Writer,
		}
		return nil
	}
	return app
}

func meta(c *cli.Context) *metadata {
	return c.App.Metadata["config"].(*metadata)
}

func (m *metadata) openDB() (*histdb.DB, error) {
	queries, err := m.config.LoadQueries()
	if err != nil {
		return nil, err
	}
	opt := m.config.DBOptions(queries)
	opt.Logger = m.log
	return histdb.OpenPath(m.config.Backend, m.config.DBPath, opt)
}
