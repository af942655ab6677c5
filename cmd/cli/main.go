package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/flashfetch/pkg/env"
	"github.com/jaywantadh/flashfetch/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetBool("FLASHFETCH_DEBUG", false))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "flashfetch",
		Usage: "Download a file straight into a raw flash partition",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: env.GetEnv("FLASHFETCH_CONFIG_PATH", "."),
				Usage: "directory holding config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level with text output",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logging.InitLogger(true)
			}
			return nil
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Bring up nvs, resolve the partition and download into it",
				Action:  runAction,
			},
			{
				Name:  "mkimage",
				Usage: "Create a flash image with the default partition layout",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "image path (default: flash_image from config)"},
					&cli.Int64Flag{Name: "size", Usage: "image size in bytes (default: flash_size from config)"},
					&cli.BoolFlag{Name: "with-partition", Usage: "add the download partition to the table"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing image"},
				},
				Action: mkimageAction,
			},
			{
				Name:   "partitions",
				Usage:  "Print the partition table of the flash image",
				Action: partitionsAction,
			},
			{
				Name:  "dump",
				Usage: "Copy the bytes of a partition to a file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "destination file"},
					&cli.StringFlag{Name: "partition", Aliases: []string{"p"}, Usage: "partition label (default: partition_name from config)"},
					&cli.Int64Flag{Name: "length", Aliases: []string{"n"}, Usage: "bytes to copy (default: whole partition)"},
				},
				Action: dumpAction,
			},
			{
				Name:   "status",
				Usage:  "Show the last download record kept in nvs",
				Action: statusAction,
			},
		},
	}
}
