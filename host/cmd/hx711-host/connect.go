package main

import (
	"context"
	"log/slog"

	"github.com/urfave/cli/v2"

	"hxhost/config"
	"hxhost/host/serial"
	"hxhost/host/session"
)

// loadConfig reads the configuration file and applies flag overrides
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, exit(1, "configuration error: %s", red(err))
	}
	if dev := c.String("device"); dev != "" {
		cfg.MCU.Serial = dev
	}
	if cfg.MCU.Serial == "" {
		return nil, exit(1, "no serial device: set mcu.serial or pass --device")
	}
	return cfg, nil
}

func openPort(cfg *config.Config) (serial.Port, error) {
	port, err := serial.Open(&serial.Config{
		Device:      cfg.MCU.Serial,
		Baud:        cfg.MCU.Baud,
		ReadTimeout: cfg.MCU.ReadTimeoutMS,
	})
	if err != nil {
		return nil, exit(1, "serial error: %s", red(err))
	}
	return port, nil
}

// connect builds the session and runs the MCU startup sequence
func connect(ctx context.Context, c *cli.Context) (*session.Session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(cfg, slog.Default())
	if err != nil {
		return nil, exit(1, "configuration error: %s", red(err))
	}
	port, err := openPort(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("connecting to MCU", "device", cfg.MCU.Serial, "baud", cfg.MCU.Baud)
	if err := sess.Connect(ctx, port); err != nil {
		_ = sess.Close()
		return nil, exit(2, "MCU connection failed: %s", red(err))
	}
	return sess, nil
}
