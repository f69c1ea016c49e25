package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "line-lead.rego")

	regoContent := `# Only line leads may finalize.
# tags: authz, finalize
# severity: critical
package site.lead

import rego.v1

deny contains "not a line lead" if {
	not "lead" in input.user.rule_set
}
`
	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "line-lead" {
		t.Errorf("Expected name 'line-lead', got '%s'", policy.Name)
	}
	if policy.Description != "Only line leads may finalize." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected severity critical, got %s", policy.Severity)
	}
	if !policy.HasTag(TagAuthz) || !policy.HasTag(TagFinalize) {
		t.Errorf("Unexpected tags: %v", policy.Tags)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	valid := filepath.Join(tmpDir, "serial.json")
	content := `{"name":"serial","rego":"package serial\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n","enabled":true}`
	if err := os.WriteFile(valid, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	policy, err := loader.loadFromFile(context.Background(), valid)
	if err != nil {
		t.Fatalf("Failed to load JSON policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if !policy.HasTag(TagAuthz) {
		t.Errorf("Expected default authz tag, got %v", policy.Tags)
	}

	unnamed := filepath.Join(tmpDir, "unnamed.json")
	if err := os.WriteFile(unnamed, []byte(`{"rego":"package x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(context.Background(), unnamed); err == nil {
		t.Error("Expected error for policy without a name")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	files := map[string]string{
		"a.rego":        "package a\n\nimport rego.v1\n\ndeny contains \"a\" if { false }\n",
		"nested/b.rego": "package b\n\nimport rego.v1\n\ndeny contains \"b\" if { false }\n",
		"README.md":     "ignored",
	}
	for name, content := range files {
		path := filepath.Join(tmpDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "p.rego")
	if err := os.WriteFile(path, []byte("package p\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	err := loader.Watch(ctx, []string{tmpDir}, func(policies []Policy) error {
		reloads.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("package p\n\nimport rego.v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Error("Expected reload after file change")
	}
}
