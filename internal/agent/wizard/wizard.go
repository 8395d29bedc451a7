// Package wizard is the interactive agent setup.
package wizard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/serversentinel/sentinel/internal/agent"
)

// Run executes the interactive setup wizard and returns an updated config.
func Run(existingConfig *agent.Config) (*agent.Config, error) {
	cfg := existingConfig
	if cfg == nil {
		cfg = agent.DefaultConfig()
	}

	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════╗")
	fmt.Println("  ║        Sentinel Agent Setup          ║")
	fmt.Println("  ╚══════════════════════════════════════╝")
	fmt.Println()

	if cfg.IsConfigured() {
		fmt.Println("  Existing configuration detected.")
		fmt.Println()
	}

	for {
		action, err := runSetupMenu(cfg)
		if err != nil {
			return nil, err
		}
		switch action {
		case "server":
			if err := runServerForm(cfg); err != nil {
				return nil, fmt.Errorf("server setup: %w", err)
			}
		case "sampling":
			if err := runSamplingForm(cfg); err != nil {
				return nil, fmt.Errorf("sampling setup: %w", err)
			}
		case "save":
			if !cfg.IsConfigured() {
				fmt.Println("  Server URL, client ID and password are required before saving.")
				fmt.Println()
				continue
			}
			confirmed, err := runSummary(cfg)
			if err != nil {
				return nil, fmt.Errorf("summary: %w", err)
			}
			if confirmed {
				return cfg, nil
			}
		case "cancel":
			return nil, fmt.Errorf("setup cancelled by user")
		}
	}
}

func runSetupMenu(cfg *agent.Config) (string, error) {
	serverLabel := cfg.ServerURL
	if strings.TrimSpace(serverLabel) == "" {
		serverLabel = "<not set>"
	}

	var action string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Setup menu").
				Description(fmt.Sprintf("Server: %s | Every %ds", truncate(serverLabel, 36), cfg.IntervalSeconds)).
				Options(
					huh.NewOption("Configure server settings", "server"),
					huh.NewOption("Configure sampling", "sampling"),
					huh.NewOption("Save and exit", "save"),
					huh.NewOption("Cancel setup", "cancel"),
				).
				Value(&action),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return action, nil
}

func runServerForm(cfg *agent.Config) error {
	serverURL := cfg.ServerURL
	clientID := cfg.ClientID
	password := cfg.Password
	insecure := cfg.InsecureSkipTLS

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("The URL of your Sentinel server").
				Placeholder("https://monitor.example.com").
				Value(&serverURL),
			huh.NewInput().
				Title("Client ID").
				Description("The id this host is registered under on the server").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("client id is required")
					}
					return nil
				}).
				Value(&clientID),
			huh.NewInput().
				Title("Client Password").
				Description("The shared agent password configured on the server").
				EchoMode(huh.EchoModePassword).
				Value(&password),
			huh.NewConfirm().
				Title("Allow self-signed certificates?").
				Description("Enable if your server uses a self-signed TLS certificate").
				Value(&insecure),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	serverURL = agent.NormalizeServerURL(serverURL)

	fmt.Printf("\n  Testing connection to %s... ", serverURL)
	if err := testConnection(serverURL, insecure); err != nil {
		fmt.Printf("FAILED\n")
		fmt.Printf("  Error: %s\n\n", err)

		var proceed bool
		retryForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Connection failed. Continue anyway?").
					Value(&proceed),
			),
		)
		if err := retryForm.Run(); err != nil {
			return err
		}
		if !proceed {
			return fmt.Errorf("connection test failed")
		}
	} else {
		fmt.Printf("OK\n\n")
	}

	cfg.ServerURL = serverURL
	cfg.ClientID = strings.TrimSpace(clientID)
	cfg.Password = password
	cfg.InsecureSkipTLS = insecure
	return nil
}

func runSamplingForm(cfg *agent.Config) error {
	interval := strconv.Itoa(cfg.IntervalSeconds)
	diskPath := cfg.DiskPath

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Report interval (seconds)").
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 5 {
						return fmt.Errorf("enter a whole number of seconds, at least 5")
					}
					return nil
				}).
				Value(&interval),
			huh.NewInput().
				Title("Disk to report").
				Description("Mount point or drive whose usage is sent as the disk metric").
				Value(&diskPath),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	n, _ := strconv.Atoi(strings.TrimSpace(interval))
	cfg.IntervalSeconds = n
	if strings.TrimSpace(diskPath) != "" {
		cfg.DiskPath = strings.TrimSpace(diskPath)
	}
	return nil
}

func testConnection(serverURL string, insecure bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return agent.NewReporter(serverURL, "", "", insecure).Ping(ctx)
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
