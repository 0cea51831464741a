package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"hxhost/config"
	"hxhost/output"
	"hxhost/output/console"
	"hxhost/output/mqtt"
)

const sampleBuffer = 256

var streamCmd = cli.Command{
	Name:  "stream",
	Usage: "subscribe to every channel and publish samples to the configured outputs",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "stop after this long (0 runs until interrupted)",
		},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		if d := c.Duration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		sess, err := connect(ctx, c)
		if err != nil {
			return err
		}
		defer func() { _ = sess.Close() }()

		outputs, err := buildOutputs(sess.Config().Outputs)
		if err != nil {
			return err
		}
		defer func() {
			for _, o := range outputs {
				_ = o.Close()
			}
		}()

		samples := make(chan output.Sample, sampleBuffer)
		var dropped atomic.Uint64
		for _, ch := range sess.Channels() {
			name := ch.Name()
			res := ch.Subscribe(nil, func(printTime float64, value int32) {
				select {
				case samples <- output.Sample{Channel: name, Value: value, PrintTime: printTime, Timestamp: time.Now()}:
				default:
					dropped.Add(1)
				}
			})
			slog.Info("streaming", "channel", name, "subscription", res.String(), "report_time", ch.ReportTime())
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sess.Run(gctx)
		})
		g.Go(func() error {
			return publish(gctx, samples, outputs)
		})
		err = g.Wait()

		if n := dropped.Load(); n > 0 {
			slog.Warn("samples dropped", "count", n)
		}
		if err != nil && ctx.Err() == nil {
			return exit(3, "stream stopped: %s", red(err))
		}
		return nil
	},
}

func buildOutputs(cfgs []config.Output) ([]output.Output, error) {
	var outputs []output.Output
	for _, oc := range cfgs {
		switch oc.Type {
		case config.OutputConsole:
			outputs = append(outputs, console.NewConsole())
		case config.OutputMQTT:
			o, err := mqtt.NewMQTT(oc.MQTT)
			if err != nil {
				return nil, exit(1, "output error: %s", red(err))
			}
			outputs = append(outputs, o)
		}
	}
	slog.Debug("outputs ready", "count", len(outputs))
	return outputs, nil
}

// publish drains samples in batches and hands them to every output
func publish(ctx context.Context, samples <-chan output.Sample, outputs []output.Output) error {
	batch := make([]output.Sample, 0, sampleBuffer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-samples:
			batch = append(batch[:0], s)
		}
	drain:
		for len(batch) < cap(batch) {
			select {
			case s := <-samples:
				batch = append(batch, s)
			default:
				break drain
			}
		}
		for _, o := range outputs {
			if err := o.Publish(batch); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
		}
	}
}
