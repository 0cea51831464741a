package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"hxhost/hx711"
)

var queryCmd = cli.Command{
	Name:      "query",
	Usage:     "report the last value of analog channels",
	ArgsUsage: "[channel...]",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "wait",
			Value: 2 * time.Second,
			Usage: "how long to collect samples before reporting",
		},
	},
	Action: func(c *cli.Context) error {
		sess, err := connect(c.Context, c)
		if err != nil {
			return err
		}
		defer func() { _ = sess.Close() }()

		r := sess.Reactor()
		if _, err := r.Pause(c.Context, r.Monotonic()+c.Duration("wait").Seconds()); err != nil {
			return nil
		}

		names := c.Args().Slice()
		if len(names) == 0 {
			names = sess.ADCs().Names()
		}
		for _, name := range names {
			reading, err := sess.ADCs().Query(hx711.NormalizeName(name))
			if err != nil {
				return exit(1, "%s", red(err))
			}
			fmt.Println(reading.String())
		}
		return nil
	},
}
