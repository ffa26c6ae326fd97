package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{APIBaseURL: defaultAPIBaseURL, DashboardPort: defaultDashboardPort}, false},
		{"relative url", Config{APIBaseURL: "/just/a/path", DashboardPort: 8080}, true},
		{"empty url", Config{APIBaseURL: "", DashboardPort: 8080}, true},
		{"port too high", Config{APIBaseURL: defaultAPIBaseURL, DashboardPort: 70000}, true},
		{"negative port", Config{APIBaseURL: defaultAPIBaseURL, DashboardPort: -1}, true},
		{"port zero means ephemeral", Config{APIBaseURL: defaultAPIBaseURL, DashboardPort: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEVTIMR_API_URL", "https://staging.devtimr.test")
	t.Setenv("DEVTIMR_DASHBOARD_PORT", "5555")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.APIBaseURL != "https://staging.devtimr.test" {
		t.Errorf("APIBaseURL = %q, want override", cfg.APIBaseURL)
	}
	if cfg.DashboardPort != 5555 {
		t.Errorf("DashboardPort = %d, want 5555", cfg.DashboardPort)
	}
}

func TestLoadRejectsBadPortEnv(t *testing.T) {
	t.Setenv("DEVTIMR_DASHBOARD_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable port")
	}
}

func TestLedgerPathFindsRepoRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatalf("failed to create .git: %v", err)
	}
	nested := filepath.Join(root, "src", "deep")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dir: %v", err)
	}

	path, err := LedgerPath(nested)
	if err != nil {
		t.Fatalf("LedgerPath failed: %v", err)
	}
	want := filepath.Join(root, ".devtimr", "ledger.json")
	if path != want {
		t.Errorf("LedgerPath = %q, want %q", path, want)
	}
}

func TestLedgerPathFallsBackToDir(t *testing.T) {
	dir := t.TempDir()
	path, err := LedgerPath(dir)
	if err != nil {
		t.Fatalf("LedgerPath failed: %v", err)
	}
	want := filepath.Join(dir, ".devtimr", "ledger.json")
	if path != want {
		t.Errorf("LedgerPath = %q, want %q", path, want)
	}
}
