package main

import (
	"fmt"
	"log/slog"

	"montage/internal/config"
	"montage/internal/daemon"
	"montage/internal/engine"
)

func bootstrap(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	gen, err := engine.NewGenerator(cfg)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	d, err := daemon.New(eng, gen, logger)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	return d, nil
}
