package main

import (
	"bufio"
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tjanez/tus/core/imaging"
	"github.com/tjanez/tus/core/orchestrator"
	"github.com/tjanez/tus/core/recovery"
	"github.com/tjanez/tus/core/session"
)

const mib = 1 << 20

var backupCmd = &cli.Command{
	Name:      "backup",
	Usage:     "Back up the given partition(s) using the imaging engine",
	ArgsUsage: "SOURCE_DEVICE...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "backup-dir",
			Aliases:  []string{"b"},
			Required: true,
			Usage:    "Directory where to store the backup",
		},
		&cli.Int64Flag{
			Name:    "archive-size",
			Aliases: []string{"s"},
			Value:   4096,
			Usage:   "Maximum size (in MiBs) of each backup chunk",
		},
		&cli.BoolFlag{
			Name:  "no-compress",
			Usage: "Store the image stream uncompressed",
		},
		&cli.BoolFlag{
			Name:  "allow-file",
			Usage: "Accept plain files instead of /dev/ devices as sources",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return cli.Exit("no source devices given", 2)
		}

		cfg, store, err := setup(ctx)
		if err != nil {
			return err
		}
		defer closeStore(store)

		backupDir := ctx.String("backup-dir")
		for _, device := range ctx.Args().Slice() {
			dir, err := deviceBackupDir(backupDir, device, ctx.Bool("allow-file"))
			if err != nil {
				return err
			}

			o := orchestrator.New(cfg, store)
			err = o.Backup(ctx.Context, orchestrator.BackupRequest{
				BackupDir:     dir,
				SourceDevice:  device,
				MaxChunkBytes: ctx.Int64("archive-size") * mib,
				Compress:      !ctx.Bool("no-compress"),
				AllowFile:     ctx.Bool("allow-file"),
			})
			if err != nil {
				return err
			}
			log.Infow("device backed up", "device", device, "dir", dir)
		}

		return nil
	},
}

var restoreCmd = &cli.Command{
	Name:      "restore",
	Usage:     "Restore the given backup to the given partition",
	ArgsUsage: "BACKUP_FILE DESTINATION_DEVICE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "log-file",
			Aliases: []string{"l"},
			Usage:   "Path to the progress log file",
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "Skip the destructive-restore confirmation",
		},
		&cli.BoolFlag{
			Name:  "allow-file",
			Usage: "Accept a plain file instead of a /dev/ device as the destination",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return cli.Exit("expected a backup file and a destination device", 2)
		}
		backupRef := ctx.Args().Get(0)
		destination := ctx.Args().Get(1)

		if !ctx.Bool("yes") {
			ok, err := confirm(fmt.Sprintf(
				"Restoring will ERASE the contents of %s! Are you sure you want to proceed?",
				destination))
			if err != nil {
				return err
			}
			if !ok {
				return cli.Exit("aborted", 1)
			}
		}

		cfg, store, err := setup(ctx)
		if err != nil {
			return err
		}
		defer closeStore(store)

		o := orchestrator.New(cfg, store)
		return o.Restore(ctx.Context, orchestrator.RestoreRequest{
			BackupRef:         backupRef,
			DestinationDevice: destination,
			LogPath:           ctx.String("log-file"),
			AllowFile:         ctx.Bool("allow-file"),
		})
	},
}

var recoveryCmd = &cli.Command{
	Name:  "recovery",
	Usage: "Manage Reed-Solomon recovery files for a backup directory",
	Subcommands: []*cli.Command{
		{
			Name:      "compute",
			Usage:     "Compute recovery files for the given backup directory",
			ArgsUsage: "BACKUP_DIR",
			Action: func(ctx *cli.Context) error {
				return recovery.Compute(ctx.Args().First())
			},
		},
		{
			Name:      "verify",
			Usage:     "Verify the given backup directory against its recovery files",
			ArgsUsage: "BACKUP_DIR",
			Action: func(ctx *cli.Context) error {
				return recovery.Verify(ctx.Args().First())
			},
		},
		{
			Name:      "repair",
			Usage:     "Repair damaged backup files from their recovery files",
			ArgsUsage: "BACKUP_DIR",
			Action: func(ctx *cli.Context) error {
				return recovery.Repair(ctx.Args().First())
			},
		},
	},
}

var sessionsCmd = &cli.Command{
	Name:  "sessions",
	Usage: "Inspect past backup and restore runs",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List all recorded sessions",
			Action: func(ctx *cli.Context) error {
				_, store, err := setup(ctx)
				if err != nil {
					return err
				}
				if store == nil {
					return fmt.Errorf("session store is not available")
				}
				defer closeStore(store)

				sessions, err := store.All(ctx.Context)
				if err != nil {
					return err
				}

				for _, s := range sessions {
					fmt.Printf("%s  %-7s  %-9s  %s -> %s  (%d bytes)\n",
						s.StartedAt.Format("2006-01-02 15:04:05"),
						s.Direction, s.Status, s.Source, s.Target, s.Cursor)
				}
				return nil
			},
		},
	},
}

func setup(ctx *cli.Context) (*orchestrator.Config, *session.Store, error) {
	cfg, err := orchestrator.GetConfig()
	if err != nil {
		return nil, nil, err
	}

	storePath := cfg.Store.Path
	if p := ctx.String("store"); p != "" {
		storePath = p
	}

	store, err := session.NewStore(storePath)
	if err != nil {
		// Run history is an aid, not a requirement.
		log.Warnw("session store unavailable", "path", storePath, "error", err)
		return cfg, nil, nil
	}

	return cfg, store, nil
}

func closeStore(store *session.Store) {
	if store != nil {
		store.Close()
	}
}

// deviceBackupDir places each device's chunks in its own subdirectory so one
// invocation can back up several partitions.
func deviceBackupDir(backupDir, device string, allowFile bool) (string, error) {
	name, err := imaging.DeviceName(device)
	if err != nil {
		if !allowFile {
			return "", err
		}
		name = fp.Base(device)
	}
	return fp.Join(backupDir, name), nil
}

func confirm(prompt string) (bool, error) {
	fmt.Printf("%s [y/N]: ", prompt)

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}

	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
