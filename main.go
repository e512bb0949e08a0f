package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ftpserver/access"
	"ftpserver/auth"
	"ftpserver/server"
	"ftpserver/terminal"
)

func main() {
	// Hidden re-exec entry points; see worker_main.go.
	if code, handled := runHidden(os.Args); handled {
		os.Exit(code)
	}

	// A vanished data peer must surface as a write error, not kill the
	// process.
	signal.Ignore(syscall.SIGPIPE)

	cfg, err := terminal.LoadConfig()
	if err != nil {
		terminal.HandleStartupError(err, "load configuration")
	}
	if err := terminal.ValidateConfig(cfg); err != nil {
		terminal.HandleStartupError(err, "validate configuration")
	}

	guard, err := access.NewGuard(cfg.RootDirectory)
	if err != nil {
		terminal.HandleStartupError(err, "open root directory")
	}

	var verifier auth.Verifier
	if !cfg.AuthDisabled {
		creds, err := auth.ReadDB(cfg.UsersFile)
		if err != nil {
			terminal.HandleStartupError(err, "read users file")
		}
		verifier = auth.NewDBVerifier(creds)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	terminal.PrintStartupInfo(cfg)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := server.ServeMetrics(cfg.MetricsAddr); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	srv := server.New(server.Config{
		BindHost:      cfg.BindHost,
		BindPort:      cfg.BindPort,
		AuthDisabled:  cfg.AuthDisabled,
		DataPortStart: cfg.DataPortStart,
		DataPortEnd:   cfg.DataPortEnd,
		BannerDelay:   cfg.BannerDelay,
	}, verifier, guard, logger)

	if err := srv.ListenAndServe(); err != nil {
		terminal.HandleStartupError(err, "start server")
	}
}
