package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/serversentinel/sentinel/internal/app"
	"github.com/serversentinel/sentinel/internal/logging"
	"github.com/serversentinel/sentinel/internal/models"
	"github.com/serversentinel/sentinel/internal/server"
	"github.com/serversentinel/sentinel/internal/service"
	"github.com/serversentinel/sentinel/internal/version"
)

func main() {
	configPath := flag.String("config", server.DefaultServerConfigPath(), "path to config file")
	setup := flag.Bool("setup", false, "run initial setup")
	serviceInstall := flag.Bool("service-install", false, "install as a system service (auto-detects init system)")
	serviceUninstall := flag.Bool("service-uninstall", false, "remove the system service")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		os.Exit(0)
	}

	if *serviceInstall || *serviceUninstall {
		os.Exit(manageService(*configPath, *serviceInstall))
	}

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger, closeLogs, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	if *setup || cfg.ClientPasswordHash == "" || len(cfg.Users) == 0 {
		if err := runSetup(cfg, *configPath); err != nil {
			logger.Error("setup failed", "err", err)
			os.Exit(1)
		}
	}

	a, err := app.New(cfg, app.Options{}, logger)
	if err != nil {
		logger.Error("failed to start", "err", err)
		os.Exit(1)
	}

	logger.Info("Sentinel Server starting",
		"version", version.Version,
		"addr", cfg.ListenAddr,
		"tls", cfg.TLSMode,
		"bus", cfg.Bus.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func manageService(configPath string, install bool) int {
	binPath, _ := os.Executable()
	cfgAbs, _ := filepath.Abs(configPath)
	u := service.Unit{
		Name:        "sentinel-server",
		Description: "Sentinel Server",
		BinPath:     binPath,
		ConfigPath:  cfgAbs,
	}
	if cfg, err := server.LoadServerConfig(configPath); err == nil {
		u.StopTimeout = cfg.DrainTimeout() + app.ShutdownGrace
	}

	var err error
	if install {
		err = service.Install(u)
	} else {
		err = service.Uninstall(u)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func prompt(label string) string {
	fmt.Print(label)
	var v string
	fmt.Scanln(&v)
	return strings.TrimSpace(v)
}

func runSetup(cfg *server.Config, configPath string) error {
	fmt.Println("=== Sentinel Server Setup ===")
	fmt.Println()

	if len(cfg.Users) == 0 {
		email := prompt("Admin email: ")
		if email == "" {
			return fmt.Errorf("admin email is required")
		}
		pw := prompt("Admin password: ")
		if pw == "" {
			return fmt.Errorf("admin password is required")
		}
		hash, err := server.HashPassword(pw)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cfg.Users = append(cfg.Users, server.UserConfig{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         "Administrator",
			Role:         models.RoleSuperAdmin,
			PasswordHash: hash,
		})
	}

	if cfg.ClientPasswordHash == "" {
		pw := prompt("Set agent password (shared by all monitored hosts): ")
		if pw == "" {
			return fmt.Errorf("agent password is required")
		}
		hash, err := server.HashPassword(pw)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		cfg.ClientPasswordHash = hash
	}

	fmt.Println()
	fmt.Println("TLS mode options:")
	fmt.Println("  1. none       - HTTP only (use with reverse proxy like nginx)")
	fmt.Println("  2. autocert   - Let's Encrypt automatic HTTPS")
	fmt.Println("  3. selfsigned - Generate self-signed certificate")
	switch prompt("Choose TLS mode [1]: ") {
	case "2", "autocert":
		cfg.TLSMode = "autocert"
		cfg.Domain = prompt("Domain name for HTTPS certificate: ")
		if cfg.Domain == "" {
			return fmt.Errorf("domain is required for autocert")
		}
		cfg.ListenAddr = ":443"
	case "3", "selfsigned":
		cfg.TLSMode = "selfsigned"
		cfg.ListenAddr = "0.0.0.0:8443"
		if addr := prompt("Listen address [0.0.0.0:8443]: "); addr != "" {
			cfg.ListenAddr = addr
		}
	default:
		cfg.TLSMode = "none"
		cfg.ListenAddr = "0.0.0.0:8080"
		if addr := prompt("Listen address [0.0.0.0:8080]: "); addr != "" {
			cfg.ListenAddr = addr
		}
	}

	if len(cfg.Clients) == 0 {
		fmt.Println()
		fmt.Println("Monitored hosts are listed under [[clients]] in the config file.")
		if id := prompt("Add a first client id now (blank to skip): "); id != "" {
			cfg.Clients = append(cfg.Clients, server.ClientConfig{ID: id, Name: id})
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := server.SaveServerConfig(cfg, configPath); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Println()
	fmt.Printf("Config saved to %s\n", configPath)
	return nil
}
