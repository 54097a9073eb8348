//go:build linux
// +build linux

// Command spictl runs transfers and display commands on Linux spidev buses.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/go-spibus/ili9341"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagDevice = "device"
	flagWrite  = "write"
	flagRead   = "read"
)

func main() {
	logger := zap.NewNop()

	app := &cli.App{
		Name:  "spictl",
		Usage: "drive devices on a shared SPI bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "spictl.toml",
				Usage:   "load bus and device configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if !c.Bool(flagDebug) {
				return nil
			}
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(*cli.Context) error {
			_ = logger.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "xfer",
				Usage:     "run one transaction on a configured device",
				UsageText: "spictl xfer --device NAME [--write HEX] [--read N]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagDevice, Aliases: []string{"d"}, Required: true, Usage: "device `NAME` from the config"},
					&cli.StringFlag{Name: flagWrite, Aliases: []string{"w"}, Usage: "bytes to send as `HEX`"},
					&cli.IntFlag{Name: flagRead, Aliases: []string{"r"}, Usage: "number of bytes to receive"},
				},
				Action: func(c *cli.Context) error {
					return runXfer(c, logger)
				},
			},
			{
				Name:  "lcd",
				Usage: "ILI9341 display commands",
				Subcommands: []*cli.Command{
					{
						Name:  "id",
						Usage: "print the display identification bytes",
						Action: func(c *cli.Context) error {
							return runLCD(c, logger, func(lcd *ili9341.LCD) error {
								id, err := lcd.ReadID()
								if err != nil {
									return err
								}
								fmt.Fprintf(c.App.Writer, "% x\n", id[:])
								return nil
							})
						},
					},
					{
						Name:  "init",
						Usage: "reset and initialize the display",
						Action: func(c *cli.Context) error {
							return runLCD(c, logger, func(lcd *ili9341.LCD) error {
								return lcd.Reset()
							})
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "spictl: %v\n", err)
		os.Exit(1)
	}
}
