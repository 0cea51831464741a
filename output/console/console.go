package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"hxhost/output"
)

type ConsoleOutput struct {
	w       io.Writer
	channel *color.Color
	value   *color.Color
}

// NewConsole writes samples to stdout
func NewConsole() output.Output { return NewWriter(os.Stdout) }

// NewWriter writes samples to w
func NewWriter(w io.Writer) *ConsoleOutput {
	return &ConsoleOutput{
		w:       w,
		channel: color.New(color.FgCyan, color.Bold),
		value:   color.New(color.FgGreen),
	}
}

// DisableColor turns off colouring regardless of the terminal
func (c *ConsoleOutput) DisableColor() {
	c.channel.DisableColor()
	c.value.DisableColor()
}

func (c *ConsoleOutput) Publish(samples []output.Sample) error {
	for _, s := range samples {
		_, err := fmt.Fprintf(c.w, "%s channel=%s value=%s print_time=%.6f\n",
			s.Timestamp.Format(time.RFC3339), c.channel.Sprint(s.Channel), c.value.Sprint(s.Value), s.PrintTime)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }
