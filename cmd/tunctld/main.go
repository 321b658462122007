package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tunctl/internal/config"
	"tunctl/internal/ctrl"
	"tunctl/internal/device"
	"tunctl/internal/observability"
	"tunctl/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/tunctl/tunctld.toml", "path to the daemon config")
	writeConfig := flag.Bool("write-config", false, "write the default config to -config and exit")
	force := flag.Bool("force", false, "overwrite an existing config with -write-config")
	flag.Parse()

	if *writeConfig {
		if err := config.WriteTemplate(*configPath, *force); err != nil {
			log.Fatal().Err(err).Msg("failed to write config template")
		}
		log.Info().Str("path", *configPath).Msg("wrote default config")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := observability.InitLogger("tunctld", cfg.LogLevel)

	reg := device.NewRegistry()
	for _, dc := range cfg.Devices {
		dev, err := reg.CreateDevice(dc.Name)
		if err != nil {
			logger.Fatal().Err(err).Str("device", dc.Name).Msg("failed to create device")
		}
		if dc.Fwmark != 0 {
			dev.SetFwmark(dc.Fwmark)
		}
		if dc.ListenPort != 0 {
			if err := dev.UpdateListenPort(dc.ListenPort); err != nil {
				logger.Fatal().Err(err).Str("device", dc.Name).Msg("failed to set listen port")
			}
		}
		if err := dev.Up(); err != nil {
			logger.Fatal().Err(err).Str("device", dc.Name).Msg("failed to bring device up")
		}
		logger.Info().
			Str("device", dc.Name).
			Uint32("ifindex", dev.Index()).
			Uint16("listen_port", dev.ListenPort()).
			Msg("device up")
	}

	svc := ctrl.NewService(reg, logger, ctrl.Config{MaxMessageSize: cfg.MaxMessageSize})
	srv := server.New(svc, logger, cfg.SocketPath)
	if err := srv.Listen(); err != nil {
		logger.Fatal().Err(err).Str("socket", cfg.SocketPath).Msg("failed to bind control socket")
	}

	if cfg.DebugEnabled {
		debug := server.NewDebug(reg, logger)
		go func() {
			logger.Info().Str("addr", cfg.DebugAddr).Msg("debug endpoint listening")
			if err := debug.Run(cfg.DebugAddr); err != nil {
				logger.Error().Err(err).Msg("debug endpoint stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info().Str("signal", s.String()).Msg("shutting down")
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		logger.Fatal().Err(err).Msg("control server stopped")
	}
	for _, dev := range reg.Devices() {
		dev.Down()
	}
}
