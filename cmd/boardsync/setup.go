package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/boardsync/internal/config"
)

const starterConfig = `# boardsync configuration
base_url: http://localhost:4000
workspace: default
# auth_token: ""
log_level: info
stream_transport: sse   # or websocket
bind_addr: 127.0.0.1:18790
# gateway_token: ""
# allow_origins: ["http://localhost:5173"]

poll:
  tasks: 10s
  agents: 10s
  events: 5s
  event_limit: 20

stream:
  silence_window: 45s
  backoff_min: 1s
  backoff_max: 30s
  jitter: 0.5

connectivity:
  online_interval: 30s
  offline_interval: 5s

otel:
  exporter: none
`

var errConfigExists = errors.New("config.yaml already exists (use --force to overwrite)")

// writeStarterConfig writes a commented config.yaml into homeDir.
func writeStarterConfig(homeDir string, force bool) (string, error) {
	path := config.ConfigPath(homeDir)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, errConfigExists
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func runInitCommand(args []string) int {
	return runInit(args, config.HomeDir(), os.Stdout, os.Stderr)
}

func runInit(args []string, homeDir string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	force := fs.Bool("force", false, "overwrite an existing config.yaml")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path, err := writeStarterConfig(homeDir, *force)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return 0
}
