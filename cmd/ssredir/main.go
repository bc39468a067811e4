package main

import (
	"flag"
	"os"

	"ssredir/internal/application"
	"ssredir/internal/config"
	"ssredir/internal/infrastructure/epoll"
	"ssredir/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	bind := flag.String("bind", "", "Listen address (overrides config)")
	relay := flag.String("relay", "", "Relay host:port (overrides config)")
	method := flag.String("method", "", "Encryption method (overrides config)")
	password := flag.String("password", "", "Encryption password (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Setup(config.DefaultLogLevel).Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *bind != "" {
		cfg.Bind = *bind
	}
	if *relay != "" {
		cfg.Relay = *relay
	}
	if *method != "" {
		cfg.Method = *method
	}
	if *password != "" {
		cfg.Password = *password
	}

	log := logger.Setup(cfg.LogLevel)
	log.Info("Initializing transparent redirector...")

	instCfg, err := cfg.Instance()
	if err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	eventLoop, err := epoll.New(log)
	if err != nil {
		log.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}

	svc, err := application.NewService(eventLoop, log, instCfg, cfg.Protocol)
	if err != nil {
		log.Error("Failed to create redirector service", "error", err)
		os.Exit(1)
	}

	log.Info("Redirector listening", "bind", instCfg.Bind.String(), "relay", instCfg.Relay.String())

	if err := svc.Start(); err != nil {
		log.Error("Redirector stopped unexpectedly", "error", err)
	}
}
