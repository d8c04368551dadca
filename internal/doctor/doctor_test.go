package doctor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/boardsync/internal/config"
)

func boardServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"connected":true}`))
	})
	mux.HandleFunc("/api/workspaces/default", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ws-1","name":"Default","slug":"default"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func loadConfig(t *testing.T, baseURL, workspace string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.NeedsSetup = false
	cfg.BaseURL = baseURL
	cfg.Workspace = workspace
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func byName(d Diagnosis) map[string]CheckResult {
	out := make(map[string]CheckResult, len(d.Results))
	for _, r := range d.Results {
		out[r.Name] = r
	}
	return out
}

func TestRun_AllPass(t *testing.T) {
	srv := boardServer(t)
	d := Run(context.Background(), loadConfig(t, srv.URL, "default"), "test")

	for name, r := range byName(d) {
		if r.Status != StatusPass {
			t.Errorf("%s = %s: %s %s", name, r.Status, r.Message, r.Detail)
		}
	}
	if d.Failed() {
		t.Fatal("Failed() with all checks passing")
	}
	if got := byName(d)["Workspace"].Message; !strings.Contains(got, "ws-1") {
		t.Fatalf("workspace message = %q", got)
	}
}

func TestRun_UnknownWorkspace(t *testing.T) {
	srv := boardServer(t)
	d := Run(context.Background(), loadConfig(t, srv.URL, "missing"), "test")
	r := byName(d)["Workspace"]
	if r.Status != StatusFail || !strings.Contains(r.Message, "does not exist") {
		t.Fatalf("workspace = %+v", r)
	}
	if !d.Failed() {
		t.Fatal("Failed() = false")
	}
}

func TestCheckServer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := checkServer(context.Background(), loadConfig(t, url, "default"))
	if r.Status != StatusFail {
		t.Fatalf("server = %+v", r)
	}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != StatusFail {
		t.Fatalf("nil config = %s", r.Status)
	}

	cfg := loadConfig(t, "", "")
	if r := checkConfig(context.Background(), cfg); r.Status != StatusFail || !strings.Contains(r.Detail, "base_url") {
		t.Fatalf("invalid config = %+v", r)
	}

	cfg.NeedsSetup = true
	if r := checkConfig(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("missing config = %s", r.Status)
	}
}

func TestCheckBind_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := loadConfig(t, "", "")
	cfg.BindAddr = ln.Addr().String()
	if r := checkBind(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("bind = %+v", r)
	}
}

func TestChecks_SkipWithoutServer(t *testing.T) {
	cfg := loadConfig(t, "", "")
	for _, r := range []CheckResult{checkServer(context.Background(), cfg), checkWorkspace(context.Background(), cfg)} {
		if r.Status != StatusSkip {
			t.Errorf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}
