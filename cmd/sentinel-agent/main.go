package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/serversentinel/sentinel/internal/agent"
	"github.com/serversentinel/sentinel/internal/agent/wizard"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/service"
	"github.com/serversentinel/sentinel/internal/version"
)

func main() {
	configPath := flag.String("config", agent.DefaultConfigPath(), "path to config file")
	setup := flag.Bool("setup", false, "run interactive setup wizard")
	serverURL := flag.String("server", "", "server URL (non-interactive setup)")
	clientID := flag.String("client-id", "", "client id registered on the server (non-interactive setup)")
	password := flag.String("password", "", "agent password (non-interactive setup)")
	noDaemon := flag.Bool("no-daemon", false, "exit after setup, don't run daemon")
	insecure := flag.Bool("insecure", false, "allow self-signed TLS certificates")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	serviceInstall := flag.Bool("service-install", false, "install as a system service (auto-detects init system)")
	serviceUninstall := flag.Bool("service-uninstall", false, "remove the system service")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = *logLevel
	logger, closeLogs, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	if *serviceInstall || *serviceUninstall {
		binPath, _ := os.Executable()
		cfgAbs, _ := filepath.Abs(*configPath)
		u := service.Unit{Name: "sentinel-agent", Description: "Sentinel Agent", BinPath: binPath, ConfigPath: cfgAbs}
		if *serviceInstall {
			err = service.Install(u)
		} else {
			err = service.Uninstall(u)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	overridden := *serverURL != "" || *clientID != "" || *password != "" || *insecure
	if *serverURL != "" {
		cfg.ServerURL = agent.NormalizeServerURL(*serverURL)
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *insecure {
		cfg.InsecureSkipTLS = true
	}

	if *setup {
		updated, err := wizard.Run(cfg)
		if err != nil {
			logger.Error("setup wizard failed", "err", err)
			os.Exit(1)
		}
		cfg = updated
		overridden = true
	}

	if !cfg.IsConfigured() {
		fmt.Println("Sentinel Agent is not configured.")
		fmt.Println("Run with --setup for interactive setup, or provide --server, --client-id and --password.")
		os.Exit(1)
	}

	if overridden {
		if err := agent.SaveConfig(cfg, *configPath); err != nil {
			logger.Error("failed to save config", "err", err)
		} else {
			logger.Info("config saved", "path", *configPath)
		}
	}

	if *noDaemon {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	agent.NewDaemon(cfg, logger).Run(ctx)
}
