package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tjanez/tus/lib/logger"
)

var log, _ = logger.New("tus")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "tus",
		Usage: "back up and restore partitions through an external imaging engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Usage: "Path to the session store",
			},
		},
		Commands: []*cli.Command{
			backupCmd,
			restoreCmd,
			recoveryCmd,
			sessionsCmd,
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Errorln(err)
		os.Exit(1)
	}
}
