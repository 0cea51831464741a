package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"

	"hxhost/hx711"
)

var readCmd = cli.Command{
	Name:  "read",
	Usage: "read samples with the blocking timed poll",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "channel",
			Usage: "channel to read (repeatable, default all)",
		},
		&cli.IntFlag{
			Name:  "count",
			Value: 1,
			Usage: "number of reads per channel",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
		defer stop()

		sess, err := connect(ctx, c)
		if err != nil {
			return err
		}
		defer func() { _ = sess.Close() }()

		channels := sess.Channels()
		if names := c.StringSlice("channel"); len(names) > 0 {
			channels = channels[:0:0]
			for _, name := range names {
				ch, err := sess.Channel(name)
				if err != nil {
					return exit(1, "%s", red(err))
				}
				channels = append(channels, ch)
			}
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = sess.Run(runCtx) }()

		for i := 0; i < c.Int("count"); i++ {
			for _, ch := range channels {
				if err := readOne(ctx, ch); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

func readOne(ctx context.Context, ch *hx711.Channel) error {
	value, err := ch.ReadOne(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return exit(3, "read %s: %s", ch.Name(), red(err))
	}
	fmt.Printf("%s %s\n", bold(ch.Name()), green(value))
	return nil
}
