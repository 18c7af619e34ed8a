package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), `"version":"`+version+`"`) {
		t.Fatalf("output = %q", out.String())
	}
}

func TestHistoryWithoutStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
  "social": {"credentials": {"consumer_key": "ck", "consumer_secret": "cs", "access_token": "at", "access_secret": "as"}},
  "render": {"command": ["./render"]},
  "storage": {"driver": "none"}
}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newHistoryCmd()
	cmd.Flags().String("config", path, "")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "storage disabled") {
		t.Fatalf("history = %v, want storage disabled", err)
	}
}
