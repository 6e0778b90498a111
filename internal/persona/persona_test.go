package persona

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"crewline/internal/domain"
)

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	r.Register("developer", NewStub())
	r.Register("reviewer", NewStub())

	if err := r.Validate([]string{"developer", "reviewer", "developer"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	err := r.Validate([]string{"developer", "operator"})
	if err == nil {
		t.Fatal("unregistered persona should fail validation")
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("ghost"); err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestStubScriptedSteps(t *testing.T) {
	stub := NewStub(
		StubStep{Status: "fail", Error: "boom"},
		StubStep{Status: "pass", Metrics: map[string]float64{"quality": 90}},
	)
	nc := NodeContext{SessionID: "s-1", Node: domain.Node{ID: "A"}, Attempt: 1, OutputRoot: t.TempDir()}

	first, err := stub.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first.Status != "fail" || first.Error != "boom" {
		t.Fatalf("first = %+v", first)
	}

	nc.Attempt = 2
	second, err := stub.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if second.Status != "pass" || second.Metrics["quality"] != 90 {
		t.Fatalf("second = %+v", second)
	}
	// Exhausted script repeats the last step.
	third, _ := stub.Execute(context.Background(), nc)
	if third.Status != "pass" {
		t.Fatalf("third = %+v", third)
	}
	if stub.Calls() != 3 {
		t.Fatalf("calls = %d", stub.Calls())
	}
}

func TestStubWritesFiles(t *testing.T) {
	root := t.TempDir()
	stub := NewStub(StubStep{Files: map[string]string{"src/main.go": "package main"}})
	_, err := stub.Execute(context.Background(), NodeContext{Node: domain.Node{ID: "A"}, OutputRoot: root})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "src", "main.go"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(raw) != "package main" {
		t.Fatalf("content = %q", raw)
	}
}

func TestFileScanner(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, MetricsFile), []byte(`{"coverage": 82.5}`), 0o644); err != nil {
		t.Fatal(err)
	}
	metrics, err := FileScanner{}.Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if metrics["coverage"] != 82.5 {
		t.Fatalf("metrics = %v", metrics)
	}
}

func TestFileScannerMissingFile(t *testing.T) {
	metrics, err := FileScanner{}.Scan(context.Background(), t.TempDir())
	if err != nil || metrics != nil {
		t.Fatalf("metrics = %v, err = %v", metrics, err)
	}
}

func TestParseMetricsLastLine(t *testing.T) {
	got := parseMetrics([]byte("building...\ndone\n{\"quality\": 75}\n"))
	if got["quality"] != 75 {
		t.Fatalf("metrics = %v", got)
	}
	if parseMetrics([]byte("plain output")) != nil {
		t.Fatal("non-JSON tail should yield no metrics")
	}
}

func TestMergeMetricsScannedWins(t *testing.T) {
	merged := MergeMetrics(
		map[string]float64{"quality": 60, "lint": 100},
		map[string]float64{"quality": 70},
	)
	if merged["quality"] != 70 || merged["lint"] != 100 {
		t.Fatalf("merged = %v", merged)
	}
}
