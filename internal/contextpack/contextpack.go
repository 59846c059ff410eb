// Package contextpack assembles the project context injected into the system
// prompt: selected project files wrapped in <file path='...'> tags, filtered
// by a named scope.
package contextpack

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"albert/internal/config"
)

// Scope names accepted by Build.
const (
	ScopeFull    = "full"
	ScopeCode    = "code"
	ScopeSpecs   = "specs"
	ScopeMinimal = "minimal"
)

// maxFileBytes caps any single included file so one large blob cannot crowd
// out the rest of the context.
const maxFileBytes = 256 * 1024

var textExtensions = map[string]bool{
	".go": true, ".py": true, ".md": true, ".txt": true, ".yml": true,
	".yaml": true, ".json": true, ".toml": true, ".sh": true, ".sql": true,
	".html": true, ".css": true, ".js": true, ".ts": true, ".mod": true,
}

// Builder collects project files under a root according to the configured
// directory groups.
type Builder struct {
	Root string
	Cfg  *config.Config
}

// New returns a builder for the given project root.
func New(root string, cfg *config.Config) *Builder {
	return &Builder{Root: root, Cfg: cfg}
}

// Build returns the packed context for a scope plus the list of included
// root-relative paths. Unknown scopes fall back to minimal.
func (b *Builder) Build(scope string) (string, []string, error) {
	dirs := b.scopeDirs(scope)

	var included []string
	var sb strings.Builder
	for _, dir := range dirs {
		abs := filepath.Join(b.Root, dir)
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			continue // configured dirs may simply not exist yet
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			name := d.Name()
			if d.IsDir() {
				if strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, ".") || !textExtensions[strings.ToLower(filepath.Ext(name))] {
				return nil
			}
			rel, err := filepath.Rel(b.Root, path)
			if err != nil {
				return nil
			}
			included = append(included, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return "", nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}

	sort.Strings(included)
	for _, rel := range included {
		data, err := os.ReadFile(filepath.Join(b.Root, rel))
		if err != nil {
			continue
		}
		if len(data) > maxFileBytes {
			data = data[:maxFileBytes]
		}
		fmt.Fprintf(&sb, "<file path='%s'>\n%s\n</file>\n\n", rel, strings.TrimRight(string(data), "\n"))
	}
	return sb.String(), included, nil
}

// scopeDirs maps a scope name to the directory groups it includes. Minimal
// includes nothing; the system prompt alone carries the instruction.
func (b *Builder) scopeDirs(scope string) []string {
	specs := b.Cfg.Context.SpecDirs
	docs := b.Cfg.Context.DocDirs
	code := b.Cfg.Context.CodeDirs
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case ScopeFull:
		return concat(specs, docs, code)
	case ScopeCode:
		return concat(code)
	case ScopeSpecs:
		return concat(specs, docs)
	default:
		return nil
	}
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ReadAttachments loads explicit -f attachment files, each wrapped like a
// scoped file. Paths may be absolute or relative to the working directory.
func ReadAttachments(paths []string) (string, error) {
	var sb strings.Builder
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", p, err)
		}
		fmt.Fprintf(&sb, "<file path='%s'>\n%s\n</file>\n\n", filepath.ToSlash(p), strings.TrimRight(string(data), "\n"))
	}
	return sb.String(), nil
}
