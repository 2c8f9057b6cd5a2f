package main

import (
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/config"
	"github.com/odvcencio/gitcore/pkg/logging"
	"github.com/odvcencio/gitcore/pkg/repo"
)

// app carries the persistent flags shared by every subcommand.
type app struct {
	dir        string
	configPath string
	logLevel   string
}

func (a *app) setup() (*config.Tunables, *zap.Logger, error) {
	tun, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := tun.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	log, err := logging.GetLogger(level)
	if err != nil {
		return nil, nil, err
	}
	return tun, log, nil
}

func (a *app) options() ([]repo.Option, error) {
	tun, log, err := a.setup()
	if err != nil {
		return nil, err
	}
	return []repo.Option{repo.WithTunables(tun), repo.WithLogger(log)}, nil
}

// open discovers the repository containing the working directory. The
// caller closes it.
func (a *app) open() (*repo.Repository, error) {
	opts, err := a.options()
	if err != nil {
		return nil, err
	}
	return repo.Open(a.dir, opts...)
}
