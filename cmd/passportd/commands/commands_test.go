package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/passportd/passportd/pkg/config"
	"github.com/passportd/passportd/pkg/engine"
)

func TestRowEdits(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "edits.json")
	if err := os.WriteFile(file, []byte(`[{"name":"current","test1":"ok"}]`), 0o600); err != nil {
		t.Fatalf("failed to write edits: %v", err)
	}

	edits, err := rowEdits(map[string]string{"voltage": "230", "frequency": "50"}, []string{"voltage"}, file)
	if err != nil {
		t.Fatalf("rowEdits failed: %v", err)
	}
	if len(edits) != 4 {
		t.Fatalf("expected 4 edits, got %d", len(edits))
	}

	if edits[0].Name != "current" || edits[0].Test1 == nil || *edits[0].Test1 != "ok" {
		t.Errorf("file edit not first: %+v", edits[0])
	}
	if edits[1].Name != "frequency" || edits[2].Name != "voltage" {
		t.Errorf("flag edits not sorted: %s, %s", edits[1].Name, edits[2].Name)
	}
	if *edits[2].Value != "230" {
		t.Errorf("expected voltage value 230, got %s", *edits[2].Value)
	}
	if edits[3].Checked == nil || !*edits[3].Checked {
		t.Errorf("expected checked edit, got %+v", edits[3])
	}
}

func TestRowEdits_BadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "edits.json")
	if err := os.WriteFile(file, []byte(`{"name":`), 0o600); err != nil {
		t.Fatalf("failed to write edits: %v", err)
	}
	if _, err := rowEdits(nil, nil, file); err == nil {
		t.Error("expected parse error")
	}
	if _, err := rowEdits(nil, nil, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected missing file error")
	}
}

func TestStageInputs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "stages.json")
	body := `[{"name":"Winding","employee_name":"Ivan","completed":true},{"id":"r-1","name":"Assembly"}]`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write stages: %v", err)
	}

	stages, err := stageInputs(file, &engine.Stage{Name: "Testing", Completed: true})
	if err != nil {
		t.Fatalf("stageInputs failed: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	if stages[0].EmployeeName != "Ivan" || !stages[0].Completed || stages[1].ID != "r-1" {
		t.Errorf("file stages not parsed: %+v, %+v", stages[0], stages[1])
	}
	if stages[2].Name != "Testing" {
		t.Errorf("flag stage not last: %+v", stages[2])
	}

	if stages, err := stageInputs("", nil); err != nil || len(stages) != 0 {
		t.Errorf("expected no stages, got %v, %v", stages, err)
	}
	if _, err := stageInputs(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("expected missing file error")
	}
}

func TestRedact(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Password = "hunter2"
	cfg.Anchoring.LedgerToken = "token"

	redact(cfg)

	if cfg.Cache.Password != redacted || cfg.Anchoring.LedgerToken != redacted {
		t.Errorf("secrets not redacted: %q %q", cfg.Cache.Password, cfg.Anchoring.LedgerToken)
	}
	if cfg.Anchoring.S3.SecretAccessKey != "" {
		t.Error("empty secrets must stay empty")
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() { stdout = os.Stdout })

	err := printTable(nil, []string{"UNIT", "STATUS"}, [][]string{{"U-1", "built"}, {"U-22", orDash("")}})
	if err != nil {
		t.Fatalf("printTable failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[2], "U-22") || !strings.HasSuffix(lines[2], "-") {
		t.Errorf("unexpected row %q", lines[2])
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand("test", "none", "today")

	for _, path := range [][]string{
		{"serve"},
		{"migrate"},
		{"passport", "finalize"},
		{"passport", "stages"},
		{"passport", "serial"},
		{"passport", "delete"},
		{"unit", "revision"},
		{"protocol", "approve"},
		{"employee", "decode"},
		{"anchor", "drain"},
		{"schemas", "sync"},
		{"policy", "check"},
		{"config", "show"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil {
			t.Errorf("command %v not found: %v", path, err)
			continue
		}
		if cmd.Name() != path[len(path)-1] {
			t.Errorf("expected %s, got %s", path[len(path)-1], cmd.Name())
		}
	}
}
