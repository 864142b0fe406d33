package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { configPath = "" })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheckConfigMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "vendors:\n  llm:\n    provider: openai\n    settings:\n      api_key: sk-live\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := execute(t, "check-config", "--config", path)
	if err != nil {
		t.Fatalf("check-config: %v", err)
	}
	if strings.Contains(out, "sk-live") || !strings.Contains(out, "****") {
		t.Fatalf("secret leaked or not masked:\n%s", out)
	}
}

func TestCheckConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("recognition:\n  strategy: magic\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "check-config", "--config", path); err == nil {
		t.Fatalf("expected invalid strategy to fail")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil || strings.TrimSpace(out) != "dev" {
		t.Fatalf("unexpected version output %q err %v", out, err)
	}
}
