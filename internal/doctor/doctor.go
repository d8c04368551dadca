// Package doctor runs the startup checks behind `boardsync doctor`: config,
// home directory, coordination server reachability and workspace lookup.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/boardsync/internal/api"
	"github.com/basket/boardsync/internal/config"
	"github.com/basket/boardsync/internal/syncerr"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, c := range []check{
		checkConfig,
		checkPermissions,
		checkBind,
		checkServer,
		checkWorkspace,
	} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing", Detail: "Run `boardsync init` to write a starter config"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  "fingerprint=" + cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkBind warns when something already listens on the gateway address;
// that is usually a running boardsync.
func checkBind(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "No bind address"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusWarn, Message: fmt.Sprintf("%s unavailable", cfg.BindAddr), Detail: err.Error()}
	}
	ln.Close()
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func newClient(cfg *config.Config) (*api.Client, error) {
	return api.New(api.Config{
		BaseURL:    cfg.BaseURL,
		AuthToken:  cfg.AuthToken,
		ProbePath:  cfg.Connectivity.ProbePath,
		StreamPath: cfg.Stream.Path,
		EventLimit: cfg.Poll.EventLimit,
	})
}

func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BaseURL == "" {
		return CheckResult{Name: "Server", Status: StatusSkip, Message: "base_url not set"}
	}
	client, err := newClient(cfg)
	if err != nil {
		return CheckResult{Name: "Server", Status: StatusFail, Message: "Bad base_url", Detail: err.Error()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	connected, err := client.Probe(probeCtx)
	latency := time.Since(start)
	host := cfg.BaseURL
	if u, perr := url.Parse(cfg.BaseURL); perr == nil {
		host = u.Host
	}

	switch {
	case err != nil:
		return CheckResult{
			Name:    "Server",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s unreachable", host),
			Detail:  fmt.Sprintf("%v (latency=%dms)", err, latency.Milliseconds()),
		}
	case !connected:
		return CheckResult{Name: "Server", Status: StatusWarn, Message: fmt.Sprintf("%s reports it is not connected", host)}
	}
	return CheckResult{Name: "Server", Status: StatusPass, Message: fmt.Sprintf("%s reachable (%dms)", host, latency.Milliseconds())}
}

func checkWorkspace(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BaseURL == "" || cfg.Workspace == "" {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "base_url or workspace not set"}
	}
	client, err := newClient(cfg)
	if err != nil {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "Bad base_url"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ws, err := client.ResolveWorkspace(lookupCtx, cfg.Workspace)
	if err != nil {
		var nf *syncerr.NotFoundError
		if errors.As(err, &nf) {
			return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("Workspace %q does not exist", cfg.Workspace)}
		}
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: "Lookup failed", Detail: err.Error()}
	}
	return CheckResult{Name: "Workspace", Status: StatusPass, Message: fmt.Sprintf("%s (%s)", ws.Name, ws.ID)}
}
