package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"albert/internal/config"
)

func TestDefaultRoundTrip(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("My Project")))
	if err != nil {
		t.Fatalf("default template does not parse: %v", err)
	}
	if cfg.Project.Name != "My Project" || cfg.Project.Slug != "my-project" {
		t.Fatalf("project: %+v", cfg.Project)
	}
	if cfg.Loop.MaxLoops != 5 || cfg.Sandbox.Extension != ".py" {
		t.Fatalf("defaults: loop=%+v sandbox=%+v", cfg.Loop, cfg.Sandbox)
	}
	if cfg.Pricing.InputPer1M != 2.50 || cfg.Pricing.OutputPer1M != 10.00 {
		t.Fatalf("pricing: %+v", cfg.Pricing)
	}
}

func TestLoadMissingFileExplains(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "albert.yml") {
		t.Fatalf("want a hint naming the config file, got %v", err)
	}
}

func TestLoadOptionalFallsBack(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model.Name == "" || cfg.Loop.MaxLoops <= 0 {
		t.Fatalf("fallback config unusable: %+v", cfg)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []string{
		"project:\n  name: x\nmodel:\n  base_url: u\n  name: m\nloop:\n  max_loops: 0\n  script_timeout_seconds: 60\nsandbox:\n  scripts_dir: s\n  extension: .py\n",
		"project:\n  name: x\nmodel:\n  base_url: u\n  name: m\nsandbox:\n  scripts_dir: /abs\n  extension: .py\n",
		"project:\n  name: x\nmodel:\n  base_url: u\n  name: m\nsandbox:\n  scripts_dir: s\n  extension: py\n",
	}
	for i, y := range cases {
		if _, err := config.FromYAML([]byte(y)); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	yml := strings.ReplaceAll(config.GenerateDefault("disk"), "max_loops: 5", "max_loops: 3")
	if err := os.WriteFile(filepath.Join(root, "albert.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Loop.MaxLoops != 3 {
		t.Fatalf("file override ignored: %+v", cfg.Loop)
	}
}
