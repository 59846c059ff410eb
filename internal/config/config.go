package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"albert/internal/domain"
)

// Config models albert.yml.
type Config struct {
	Project struct {
		Name    string `yaml:"name"`
		Slug    string `yaml:"slug"`
		Version string `yaml:"version"`
	} `yaml:"project"`
	Model struct {
		BaseURL     string  `yaml:"base_url"`
		Name        string  `yaml:"name"`
		KeyFile     string  `yaml:"key_file"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"model"`
	Pricing domain.PricingRates `yaml:"pricing"`
	Loop    struct {
		MaxLoops             int `yaml:"max_loops"`
		ScriptTimeoutSeconds int `yaml:"script_timeout_seconds"`
	} `yaml:"loop"`
	Sandbox struct {
		ScriptsDir  string `yaml:"scripts_dir"`
		Interpreter string `yaml:"interpreter"`
		Extension   string `yaml:"extension"`
	} `yaml:"sandbox"`
	Context struct {
		SpecDirs []string `yaml:"spec_dirs"`
		DocDirs  []string `yaml:"doc_dirs"`
		CodeDirs []string `yaml:"code_dirs"`
	} `yaml:"context"`
}

// Path returns the config file path for a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "albert.yml")
}

// Load reads and validates config from the project root.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al init or copy the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("project"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("project")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default Config struct for a project name.
func Default(name string) *Config {
	var cfg Config
	cfg.Project.Name = name
	cfg.Project.Slug = slugify(name)
	cfg.Project.Version = "0.0.0"
	cfg.Model.BaseURL = "https://api.openai.com/v1"
	cfg.Model.Name = "gpt-4o"
	cfg.Model.KeyFile = "secrets/openai_key"
	cfg.Model.Temperature = 0.7
	cfg.Loop.MaxLoops = 5
	cfg.Loop.ScriptTimeoutSeconds = 60
	cfg.Sandbox.ScriptsDir = filepath.Join("workbench", "scripts")
	cfg.Sandbox.Interpreter = "python3"
	cfg.Sandbox.Extension = ".py"
	cfg.Context.SpecDirs = []string{"specs"}
	cfg.Context.DocDirs = []string{"impl-docs"}
	cfg.Context.CodeDirs = []string{"src", "internal", "cmd"}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config.project.name is required")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("config.model.base_url is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("config.model.name is required")
	}
	if c.Loop.MaxLoops <= 0 {
		return fmt.Errorf("config.loop.max_loops must be positive")
	}
	if c.Loop.ScriptTimeoutSeconds <= 0 {
		return fmt.Errorf("config.loop.script_timeout_seconds must be positive")
	}
	if c.Sandbox.ScriptsDir == "" || filepath.IsAbs(c.Sandbox.ScriptsDir) {
		return fmt.Errorf("config.sandbox.scripts_dir must be a relative path inside the project root")
	}
	if !strings.HasPrefix(c.Sandbox.Extension, ".") {
		return fmt.Errorf("config.sandbox.extension must start with a dot")
	}
	if c.Pricing.InputPer1M < 0 || c.Pricing.OutputPer1M < 0 {
		return fmt.Errorf("config.pricing rates must be non-negative")
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name, slugify(name))
}

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, s)
	return strings.Trim(s, "-")
}

const defaultTemplate = `project:
  name: %s
  slug: %s
  version: 0.0.0

model:
  base_url: https://api.openai.com/v1
  name: gpt-4o
  key_file: secrets/openai_key
  temperature: 0.7

pricing:
  input_per_1m: 2.50
  output_per_1m: 10.00

loop:
  max_loops: 5
  script_timeout_seconds: 60

sandbox:
  scripts_dir: workbench/scripts
  interpreter: python3
  extension: .py

context:
  spec_dirs: [specs]
  doc_dirs: [impl-docs]
  code_dirs: [src, internal, cmd]
`
