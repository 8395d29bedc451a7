package service

import (
	"strings"
	"testing"
	"time"
)

func testUnit() Unit {
	return Unit{
		Name:        "sentinel-server",
		Description: "Sentinel Server",
		BinPath:     "/usr/local/bin/sentinel-server",
		ConfigPath:  "/etc/sentinel/server.toml",
		StopTimeout: 40 * time.Second,
	}
}

func TestRenderSystemd(t *testing.T) {
	path, content, err := Render(Systemd, testUnit())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if path != "/etc/systemd/system/sentinel-server.service" {
		t.Fatalf("unexpected path %s", path)
	}
	for _, want := range []string{
		"ExecStart=/usr/local/bin/sentinel-server --config /etc/sentinel/server.toml",
		"TimeoutStopSec=40",
		"Description=Sentinel Server",
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("unit file missing %q:\n%s", want, content)
		}
	}
}

func TestRenderOpenRC(t *testing.T) {
	u := testUnit()
	u.ConfigPath = ""
	u.StopTimeout = 0

	_, content, err := Render(OpenRC, u)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(content, `command_args=""`) {
		t.Fatalf("expected empty command_args:\n%s", content)
	}
	if !strings.Contains(content, `retry="SIGTERM/30/SIGKILL/5"`) {
		t.Fatalf("expected default stop timeout:\n%s", content)
	}
}

func TestRenderLaunchd(t *testing.T) {
	_, content, err := Render(Launchd, testUnit())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(content, "<string>io.sentinel.server</string>") {
		t.Fatalf("expected launchd label:\n%s", content)
	}
	if !strings.Contains(content, "<string>--config</string>\n        <string>/etc/sentinel/server.toml</string>") {
		t.Fatalf("expected config arguments:\n%s", content)
	}
}

func TestRenderUnknownInitSystem(t *testing.T) {
	if _, _, err := Render(Unknown, testUnit()); err == nil {
		t.Fatal("expected an error for an unknown init system")
	}
}
