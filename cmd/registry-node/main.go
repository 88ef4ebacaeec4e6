// Package main launches a proof-of-human-work registry node: attestation
// intake, Merkle batching, blockchain anchoring, federation sync, and the
// verification API, with lifecycle management for every service.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/pohwnet/registry/cmd/registry-node/flags"
	"github.com/pohwnet/registry/io/logs"
	"github.com/pohwnet/registry/registry-node/node"
	"github.com/pohwnet/registry/runtime/version"
)

var log = logrus.WithField("prefix", "main")

func startNode(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	registry, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	registry.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "registry-node"
	app.Usage = "launches a federated proof-of-human-work registry node"
	app.Version = version.Version()
	app.Flags = flags.Flags
	app.Action = startNode

	app.Before = func(ctx *cli.Context) error {
		format := ctx.String(flags.LogFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// ANSI color codes render as gibberish in log files.
			formatter.DisableColors = ctx.String(flags.LogFileFlag.Name) != ""
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		if logFileName := ctx.String(flags.LogFileFlag.Name); logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configure logging to disk")
			}
		}

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
