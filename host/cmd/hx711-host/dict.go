package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"hxhost/host/mcu"
	"hxhost/pins"
	"hxhost/protocol"
	"hxhost/reactor"
)

var dictCmd = cli.Command{
	Name:  "dict",
	Usage: "retrieve and print the MCU data dictionary",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "raw",
			Usage: "print the raw dictionary JSON",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		port, err := openPort(cfg)
		if err != nil {
			return err
		}

		r := reactor.New(slog.Default())
		m := mcu.New(pins.DefaultChip, r.Monotonic, slog.Default())
		m.Attach(port)
		defer func() { _ = m.Close() }()

		if err := m.RetrieveDictionary(c.Context); err != nil {
			return exit(2, "dictionary retrieval failed: %s", red(err))
		}
		if c.Bool("raw") {
			fmt.Println(string(m.Dictionary().Raw()))
			return nil
		}
		printDictionary(os.Stdout, m.Dictionary())
		return nil
	},
}

func printDictionary(w io.Writer, d *protocol.Dictionary) {
	fmt.Fprintf(w, "%s %s\n", bold("Version:"), d.Version)
	if d.BuildVersions != "" {
		fmt.Fprintf(w, "%s %s\n", bold("Build:"), d.BuildVersions)
	}

	keys := make([]string, 0, len(d.Config))
	for k := range d.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s\n", bold("Config:"))
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, d.Config[k])
	}

	fmt.Fprintf(w, "\n%s (%d)\n", bold("Commands:"), d.NumCommands())
	for _, mf := range d.Commands() {
		fmt.Fprintf(w, "  %3d  %s\n", mf.ID, mf.Format)
	}
	fmt.Fprintf(w, "\n%s (%d)\n", bold("Responses:"), d.NumResponses())
	for _, mf := range d.Responses() {
		fmt.Fprintf(w, "  %3d  %s\n", mf.ID, mf.Format)
	}

	enums := make([]string, 0, len(d.Enumerations))
	for name := range d.Enumerations {
		enums = append(enums, name)
	}
	sort.Strings(enums)
	fmt.Fprintf(w, "\n%s\n", bold("Enumerations:"))
	for _, name := range enums {
		fmt.Fprintf(w, "  %s: %d values\n", name, len(d.Enumerations[name]))
	}
}
