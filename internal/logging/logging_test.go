package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "warn", "error", ""} {
		if _, err := ParseLevel(name); err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestConsoleAndFileSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.log")
	var console bytes.Buffer

	logger, closeFn, err := newWithWriter(Config{Level: "info", Format: "text", File: path}, &console)
	if err != nil {
		t.Fatalf("newWithWriter: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("alert created", "alert_id", 7)
	closeFn()

	if strings.Contains(console.String(), "hidden") {
		t.Fatal("debug line should be filtered at info level")
	}
	if !strings.Contains(console.String(), "alert_id=7") {
		t.Fatalf("console output missing attr: %s", console.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("file sink should write json: %v (%s)", err, data)
	}
	if line["msg"] != "alert created" {
		t.Fatalf("expected msg 'alert created', got %v", line["msg"])
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, _, err := newWithWriter(Config{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
