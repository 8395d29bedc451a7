// Package service installs the sentinel binaries as supervised system
// services.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"
)

type InitSystem string

const (
	Systemd InitSystem = "systemd"
	OpenRC  InitSystem = "openrc"
	Launchd InitSystem = "launchd"
	Unknown InitSystem = ""
)

// Unit describes one service to install.
type Unit struct {
	Name        string // e.g. "sentinel-server"
	Description string
	BinPath     string
	ConfigPath  string
	// StopTimeout is how long the supervisor waits after SIGTERM before
	// killing the process; at least the server's notification drain timeout.
	StopTimeout time.Duration
}

// Args is the command line the supervisor runs.
func (u Unit) Args() []string {
	args := []string{u.BinPath}
	if u.ConfigPath != "" {
		args = append(args, "--config", u.ConfigPath)
	}
	return args
}

func (u Unit) stopSeconds() int {
	if u.StopTimeout <= 0 {
		return 30
	}
	return int(u.StopTimeout.Round(time.Second) / time.Second)
}

func (u Unit) launchdLabel() string {
	return "io.sentinel." + strings.TrimPrefix(u.Name, "sentinel-")
}

// Detect returns the init system in use on this machine.
func Detect() InitSystem {
	if runtime.GOOS == "darwin" {
		return Launchd
	}
	if _, err := exec.LookPath("systemctl"); err == nil {
		return Systemd
	}
	if _, err := exec.LookPath("rc-service"); err == nil {
		return OpenRC
	}
	return Unknown
}

// Install writes the service definition for the detected init system and
// prints how to start it.
func Install(u Unit) error {
	initSys := Detect()
	fmt.Printf("Detected init system: %s\n", initSys)

	path, content, err := Render(initSys, u)
	if err != nil {
		return err
	}

	switch initSys {
	case Systemd:
		if err := writePrivileged(path, content, 0644); err != nil {
			return fmt.Errorf("write unit file: %w", err)
		}
		if err := runPrivileged("systemctl", "daemon-reload"); err != nil {
			return fmt.Errorf("daemon-reload: %w", err)
		}
		fmt.Printf("Systemd service installed: %s\n\n", path)
		fmt.Printf("  Start now:    sudo systemctl enable --now %s\n", u.Name)
		fmt.Printf("  Check status: sudo systemctl status %s --no-pager -l\n", u.Name)
		fmt.Printf("  Check logs:   sudo journalctl -u %s -f\n", u.Name)
	case OpenRC:
		if err := writePrivileged(path, content, 0755); err != nil {
			return fmt.Errorf("write init script: %w", err)
		}
		fmt.Printf("OpenRC service installed: %s\n\n", path)
		fmt.Printf("  Start now:   sudo rc-service %s start\n", u.Name)
		fmt.Printf("  Auto-start:  sudo rc-update add %s default\n", u.Name)
		fmt.Printf("  Check logs:  tail -f /var/log/%s.log\n", u.Name)
	case Launchd:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create LaunchAgents dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("write plist: %w", err)
		}
		fmt.Printf("LaunchAgent installed: %s\n\n", path)
		fmt.Printf("  Start now:   launchctl load %s\n", path)
		fmt.Printf("  Check logs:  tail -f /tmp/%s.log\n", u.Name)
	}
	return nil
}

// Uninstall stops the service and removes its definition.
func Uninstall(u Unit) error {
	initSys := Detect()
	fmt.Printf("Detected init system: %s\n", initSys)

	path, err := definitionPath(initSys, u)
	if err != nil {
		return err
	}

	switch initSys {
	case Systemd:
		_ = runPrivileged("systemctl", "stop", u.Name)
		_ = runPrivileged("systemctl", "disable", u.Name)
		if err := removePrivileged(path); err != nil {
			return err
		}
		_ = runPrivileged("systemctl", "daemon-reload")
	case OpenRC:
		_ = runPrivileged("rc-service", u.Name, "stop")
		_ = runPrivileged("rc-update", "del", u.Name)
		if err := removePrivileged(path); err != nil {
			return err
		}
	case Launchd:
		_ = exec.Command("launchctl", "unload", path).Run()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	fmt.Printf("Service removed: %s\n", u.Name)
	return nil
}

func definitionPath(initSys InitSystem, u Unit) (string, error) {
	switch initSys {
	case Systemd:
		return "/etc/systemd/system/" + u.Name + ".service", nil
	case OpenRC:
		return "/etc/init.d/" + u.Name, nil
	case Launchd:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		return filepath.Join(home, "Library", "LaunchAgents", u.launchdLabel()+".plist"), nil
	default:
		return "", fmt.Errorf("could not detect init system, manage the service manually")
	}
}

var templates = map[InitSystem]*template.Template{
	Systemd: mustTemplate("systemd", `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{join .Args " "}}
Restart=always
RestartSec=10
KillSignal=SIGTERM
TimeoutStopSec={{.StopSeconds}}
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=multi-user.target
`),
	OpenRC: mustTemplate("openrc", `#!/sbin/openrc-run

name="{{.Name}}"
description="{{.Description}}"
supervisor=supervise-daemon
command="{{.BinPath}}"
command_args="{{join .Rest " "}}"
retry="SIGTERM/{{.StopSeconds}}/SIGKILL/5"
output_log="/var/log/{{.Name}}.log"
error_log="/var/log/{{.Name}}.log"

depend() {
    need net
    after firewall
}
`),
	Launchd: mustTemplate("launchd", `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>ExitTimeOut</key>
    <integer>{{.StopSeconds}}</integer>
    <key>StandardOutPath</key>
    <string>/tmp/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>/tmp/{{.Name}}.log</string>
</dict>
</plist>
`),
}

func mustTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(template.FuncMap{"join": strings.Join}).Parse(text))
}

// Render returns the definition path and file content for initSys.
func Render(initSys InitSystem, u Unit) (path, content string, err error) {
	t, ok := templates[initSys]
	if !ok {
		return "", "", fmt.Errorf("could not detect init system, install the service manually")
	}
	if path, err = definitionPath(initSys, u); err != nil {
		return "", "", err
	}
	args := u.Args()
	var buf bytes.Buffer
	err = t.Execute(&buf, map[string]any{
		"Name":        u.Name,
		"Description": u.Description,
		"BinPath":     u.BinPath,
		"Args":        args,
		"Rest":        args[1:],
		"StopSeconds": u.stopSeconds(),
		"Label":       u.launchdLabel(),
	})
	if err != nil {
		return "", "", fmt.Errorf("render %s definition: %w", initSys, err)
	}
	return path, buf.String(), nil
}

// runPrivileged runs a command, prepending sudo if not root.
func runPrivileged(name string, args ...string) error {
	if os.Getuid() != 0 {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// writePrivileged writes content to path, going through sudo when not root.
func writePrivileged(path, content string, mode os.FileMode) error {
	if os.Getuid() == 0 {
		return os.WriteFile(path, []byte(content), mode)
	}
	cmd := exec.Command("sudo", "tee", path)
	cmd.Stdin = strings.NewReader(content)
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return err
	}
	return exec.Command("sudo", "chmod", fmt.Sprintf("%o", mode), path).Run()
}

// removePrivileged removes a file, using sudo if not root.
func removePrivileged(path string) error {
	if os.Getuid() == 0 {
		return os.Remove(path)
	}
	return exec.Command("sudo", "rm", "-f", path).Run()
}
