package command

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigShow_MasksSecrets(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", "")

	stdout, _, err := runApp(t, "", "--config", cfgPath, "config", "show")
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(stdout, "test-token") {
		t.Errorf("token printed in clear:\n%s", stdout)
	}
	for _, want := range []string{"export.window_size", "24h0m0s", "te******en"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}

	stdout, _, err = runApp(t, "", "--config", cfgPath, "-o", "json", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(stdout), &m); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, stdout)
	}
	if m["token"] == "test-token" {
		t.Error("json output must mask the token")
	}
	export, ok := m["export"].(map[string]any)
	if !ok || export["window_size"] != "24h0m0s" {
		t.Errorf("export = %v", m["export"])
	}
}

func TestConfigShow_FlagOverrides(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", "")

	stdout, _, err := runApp(t, "", "--config", cfgPath, "-o", "json",
		"--base-url", "http://127.0.0.1:2", "--log-level", "debug", "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(stdout), &m); err != nil {
		t.Fatal(err)
	}
	if m["base_url"] != "http://127.0.0.1:2" {
		t.Errorf("base_url = %v", m["base_url"])
	}
	if log, _ := m["log"].(map[string]any); log["level"] != "debug" {
		t.Errorf("log = %v", m["log"])
	}
}

func TestConfigValidate(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", "")
	stdout, _, err := runApp(t, "", "--config", cfgPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(stdout, "configuration is valid") || !strings.Contains(stdout, cfgPath) {
		t.Errorf("output = %q", stdout)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("environment: mars\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, _, err = runApp(t, "", "--config", bad, "config", "validate")
	if code := ExitCode(err); code != ExitUsage {
		t.Errorf("ExitCode = %d, want %d (%v)", code, ExitUsage, err)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	stdout, _, err := runApp(t, "", "config", "init", path)
	if err != nil {
		t.Fatalf("config init error = %v", err)
	}
	if !strings.Contains(stdout, "wrote "+path) {
		t.Errorf("output = %q", stdout)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	_, _, err = runApp(t, "", "config", "init", path)
	if code := ExitCode(err); code != ExitUsage {
		t.Errorf("existing file: ExitCode = %d, want %d (%v)", code, ExitUsage, err)
	}
	if _, _, err := runApp(t, "", "config", "init", "--force", path); err != nil {
		t.Errorf("--force error = %v", err)
	}

	if _, _, err := runApp(t, "", "--config", path, "config", "validate"); err != nil {
		t.Errorf("the written defaults should validate: %v", err)
	}
}
