package commands

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		contextName = ""
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("gearsim %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestConfigContextCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out := execute(t, "--config", path, "config", "context", "set", "dev",
		"--ota=http://localhost:8080/ota/", "--device-id=02:00:00:00:00:01", "--hmac-key=0123456789abcdef")
	if !strings.Contains(out, `Context "dev" saved`) {
		t.Errorf("set output = %q", out)
	}

	execute(t, "--config", path, "config", "context", "use", "dev")

	out = execute(t, "--config", path, "config", "context", "list")
	if !strings.Contains(out, "http://localhost:8080/ota/") || !strings.Contains(out, "*") {
		t.Errorf("list output = %q", out)
	}

	out = execute(t, "--config", path, "config", "context", "show", "-o", "json")
	var shown struct {
		Name    string       `json:"name"`
		Current bool         `json:"current"`
		Device  DeviceConfig `json:"device"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show output is not json: %v\n%s", err, out)
	}
	if shown.Name != "dev" || !shown.Current {
		t.Errorf("show = %+v; want current dev", shown)
	}
	if shown.Device.DeviceID != "02:00:00:00:00:01" {
		t.Errorf("device_id = %q", shown.Device.DeviceID)
	}
	if shown.Device.HMACKey != "0123********cdef" {
		t.Errorf("hmac key not masked: %q", shown.Device.HMACKey)
	}

	out = execute(t, "--config", path, "config", "context", "current")
	if strings.TrimSpace(out) != "dev" {
		t.Errorf("current = %q; want dev", out)
	}

	execute(t, "--config", path, "config", "context", "delete", "dev")
	out = execute(t, "--config", path, "config", "context", "list")
	if !strings.Contains(out, "No contexts configured.") {
		t.Errorf("list after delete = %q", out)
	}
}
