package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	r := &runner{}

	return &cli.App{
		Name:  "inodefs",
		Usage: "Manage inodefs volume images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "load settings from `FILE` (default: $INODEFS_CONFIG_FILE)",
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "path to the volume image `FILE`",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log file system events to stderr",
			},
			&cli.BoolFlag{
				Name:  "no-cache",
				Usage: "write every block straight to the image",
			},
		},
		Before: r.load,
		Commands: []*cli.Command{
			{
				Name:   "format",
				Usage:  "Create or wipe an image",
				Action: r.format,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "preset",
						Usage: "use the size of a predefined volume, e.g. floppy-1440k",
					},
					&cli.UintFlag{
						Name:  "blocks",
						Usage: "resize the image to `N` blocks",
					},
					&cli.IntFlag{
						Name:  "files",
						Usage: "make room for `N` files, including the root directory",
					},
					&cli.BoolFlag{
						Name:  "list-presets",
						Usage: "print the available presets and exit",
					},
				},
			},
			{
				Name:      "put",
				Usage:     "Copy a file from the host into the volume",
				ArgsUsage: "HOST_FILE [NAME]",
				Action:    r.put,
			},
			{
				Name:      "get",
				Usage:     "Copy a file from the volume to the host",
				ArgsUsage: "NAME HOST_FILE",
				Action:    r.get,
			},
			{
				Name:      "cat",
				Usage:     "Print files to stdout",
				ArgsUsage: "NAME...",
				Action:    r.cat,
			},
			{
				Name:   "ls",
				Usage:  "List the files in the volume",
				Action: r.list,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "csv", Usage: "print CSV instead of a table"},
				},
			},
			{
				Name:      "rm",
				Usage:     "Delete files",
				ArgsUsage: "NAME...",
				Action:    r.remove,
			},
			{
				Name:      "stat",
				Usage:     "Show details of a file, or the whole volume if no name is given",
				ArgsUsage: "[NAME]",
				Action:    r.stat,
			},
			{
				Name:   "fsck",
				Usage:  "Check the volume for corruption",
				Action: r.check,
			},
			{
				Name:      "export",
				Usage:     "Save a compressed snapshot of the image",
				ArgsUsage: "OUTPUT_FILE",
				Action:    r.export,
			},
			{
				Name:      "import",
				Usage:     "Overwrite the image with a snapshot, creating it if needed",
				ArgsUsage: "SNAPSHOT_FILE",
				Action:    r.restore,
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}
