package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DedupThreshold != 0.8 {
		t.Fatalf("dedup threshold = %v, want 0.8", cfg.DedupThreshold)
	}
	if cfg.AddRateThreshold != 0.05 || cfg.ConnectivityThreshold != 0.2 {
		t.Fatalf("convergence thresholds = %v/%v, want 0.05/0.2",
			cfg.AddRateThreshold, cfg.ConnectivityThreshold)
	}
	if cfg.ImportBatchSize != 1000 {
		t.Fatalf("import batch size = %d, want 1000", cfg.ImportBatchSize)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	body := "pipeline:\n  dedup_threshold: 0.9\n  max_iterations: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DedupThreshold != 0.9 {
		t.Fatalf("dedup threshold = %v, want 0.9", cfg.DedupThreshold)
	}
	if cfg.MaxIterations != 2 {
		t.Fatalf("max iterations = %d, want 2", cfg.MaxIterations)
	}
	// Untouched keys keep defaults.
	if cfg.FactTopK != 5 {
		t.Fatalf("fact top k = %d, want default 5", cfg.FactTopK)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("KG_MAX_ITERATIONS", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxIterations != 7 {
		t.Fatalf("max iterations = %d, want env override 7", cfg.MaxIterations)
	}
}

func TestLoadInput_DedupesSeedsAndRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.yaml")
	body := "seeds:\n  - premium\n  - \" premium \"\n  - deductible\nfacts:\n  auto:\n    - Premiums are due monthly.\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	in, err := LoadInput(path)
	if err != nil {
		t.Fatalf("load input: %v", err)
	}
	if len(in.Seeds) != 2 {
		t.Fatalf("seeds = %v, want 2 after dedupe", in.Seeds)
	}
	if len(in.Facts["auto"]) != 1 {
		t.Fatalf("facts missing: %v", in.Facts)
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("facts: {}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadInput(empty); err == nil {
		t.Fatalf("expected error for input without seeds")
	}
}
