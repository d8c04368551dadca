package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/doctor"
)

func TestWriteStarterConfig_LoadsAndValidates(t *testing.T) {
	home := t.TempDir()
	path, err := writeStarterConfig(home, false)
	if err != nil {
		t.Fatalf("writeStarterConfig: %v", err)
	}
	if path != config.ConfigPath(home) {
		t.Fatalf("path = %q", path)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.NeedsSetup {
		t.Fatal("NeedsSetup after writing starter config")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("starter config invalid: %v", err)
	}
	if cfg.Poll.Events != 5*time.Second || cfg.StreamTransport != config.TransportSSE {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := writeStarterConfig(home, false); !errors.Is(err, errConfigExists) {
		t.Fatalf("second write err = %v", err)
	}
}

func TestRunInit(t *testing.T) {
	home := t.TempDir()
	var out, errOut bytes.Buffer
	if code := runInit(nil, home, &out, &errOut); code != 0 {
		t.Fatalf("first init = %d: %s", code, errOut.String())
	}
	if code := runInit(nil, home, &out, &errOut); code != 1 {
		t.Fatalf("init over existing config = %d", code)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte("workspace: other\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if code := runInit([]string{"--force"}, home, &out, &errOut); code != 0 {
		t.Fatalf("forced init = %d", code)
	}
	data, _ := os.ReadFile(config.ConfigPath(home))
	if !strings.Contains(string(data), "workspace: default") {
		t.Fatal("--force did not overwrite")
	}
}

func TestHealthURL(t *testing.T) {
	cases := map[string]string{
		"":                     "http://127.0.0.1:18790/healthz",
		"127.0.0.1:9000":       "http://127.0.0.1:9000/healthz",
		"0.0.0.0:9000":         "http://127.0.0.1:9000/healthz",
		":9000":                "http://127.0.0.1:9000/healthz",
		"[::1]:9000":           "http://[::1]:9000/healthz",
		"http://mirror.local/": "http://mirror.local/healthz",
		"https://mirror.local": "https://mirror.local/healthz",
	}
	for in, want := range cases {
		if got := healthURL(in); got != want {
			t.Errorf("healthURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:18790": true,
		"localhost:1":     true,
		"[::1]:1":         true,
		"0.0.0.0:18790":   false,
		"garbage":         false,
	} {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v", addr, got)
		}
	}
}

func TestReloadLoop_SkipsInvalidConfig(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("base_url: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	events := make(chan config.ReloadEvent, 1)
	events <- config.ReloadEvent{Path: config.ConfigPath(home)}
	close(events)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	// An invalid config never reaches the engine, so a nil engine is safe here.
	reloadLoop(events, home, nil, logger)
	if !strings.Contains(logs.String(), "reloaded config is invalid") {
		t.Fatalf("logs = %s", logs.String())
	}
}

func TestPrintDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Results: []doctor.CheckResult{
			{Name: "Config", Status: doctor.StatusPass, Message: "Loaded"},
			{Name: "Server", Status: doctor.StatusFail, Message: "unreachable", Detail: "connection refused"},
		},
	}
	var out bytes.Buffer
	if code := printDiagnosis(&out, diag, false); code != 1 {
		t.Fatalf("exit code = %d with a failed check", code)
	}
	for _, want := range []string{"boardsync doctor", "Config", "unreachable", "connection refused"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	diag.Results = diag.Results[:1]
	if code := printDiagnosis(&out, diag, true); code != 0 {
		t.Fatalf("json exit code = %d", code)
	}
	if !strings.Contains(out.String(), `"status": "PASS"`) {
		t.Fatalf("json = %s", out.String())
	}
}
